package testutil

import (
	"testing"

	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/release"
	"bundlenudge.sh/internal/repository"
)

// Stack bundles every repository plus a release.Processor against one
// migrated test database, so server/handler-level tests don't each hand-roll
// the same repository construction.
type Stack struct {
	DB *database.DB

	Apps     repository.AppRepository
	Channels repository.ChannelRepository
	Releases repository.ReleaseRepository
	Devices  repository.DeviceRepository
	HealthRp repository.HealthReportRepository
	HealthCf repository.HealthConfigRepository

	Processor *release.Processor
	Clock     ids.Clock
}

// SetupStack opens a fresh migrated database and wires every repository
// against it, the same construction order as internal/server/server.go's
// New.
func SetupStack(t *testing.T) *Stack {
	t.Helper()

	db := NewTestDB(t)
	clock := ids.SystemClock{}

	apps := repository.NewAppRepository(db)
	channels := repository.NewChannelRepository(db)
	releases := repository.NewReleaseRepository(db)
	devices := repository.NewDeviceRepository(db)
	healthRp := repository.NewHealthReportRepository(db)
	healthCf := repository.NewHealthConfigRepository(db)

	processor := release.NewProcessor(releases, channels, "testutil-stack")

	return &Stack{
		DB:        db,
		Apps:      apps,
		Channels:  channels,
		Releases:  releases,
		Devices:   devices,
		HealthRp:  healthRp,
		HealthCf:  healthCf,
		Processor: processor,
		Clock:     clock,
	}
}
