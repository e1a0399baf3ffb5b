// Package ids centralizes ID minting and time access so that every other
// component observes the same clock and the same ID format. Tests swap in
// a fixed Clock rather than reaching for time.Now() directly.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so the release FSM, health aggregator and
// rate limiter can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock that always returns the same instant, advanced
// explicitly by tests.
type FixedClock struct {
	t time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time { return c.t }

func (c *FixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// NewReleaseID mints the opaque identifier used for releases.
func NewReleaseID() string { return uuid.NewString() }

// NewRollbackID mints the opaque identifier used for rollback records.
func NewRollbackID() string { return uuid.NewString() }

// NewHealthReportID mints the opaque identifier used for health reports.
func NewHealthReportID() string { return uuid.NewString() }

// NewDeviceID mints a new opaque device identifier (UUID v4, per §3).
func NewDeviceID() string { return uuid.NewString() }

// NewAppID mints the opaque identifier used for applications.
func NewAppID() string { return uuid.NewString() }

// NewChannelID mints the opaque identifier used for channels.
func NewChannelID() string { return uuid.NewString() }

// ValidUUID reports whether s parses as a UUID, used to validate
// caller-supplied device IDs at the HTTP boundary.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
