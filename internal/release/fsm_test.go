package release

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bundlenudge.sh/internal/models"
)

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to models.ReleaseStatus
		want     bool
	}{
		{models.ReleaseStatusPending, models.ReleaseStatusProcessing, true},
		{models.ReleaseStatusPending, models.ReleaseStatusRejected, true},
		{models.ReleaseStatusPending, models.ReleaseStatusActive, false},
		{models.ReleaseStatusProcessing, models.ReleaseStatusActive, true},
		{models.ReleaseStatusProcessing, models.ReleaseStatusRejected, true},
		{models.ReleaseStatusActive, models.ReleaseStatusSuperseded, true},
		{models.ReleaseStatusActive, models.ReleaseStatusRolledBack, true},
		{models.ReleaseStatusActive, models.ReleaseStatusPending, false},
		{models.ReleaseStatusSuperseded, models.ReleaseStatusActive, false},
		{models.ReleaseStatusRejected, models.ReleaseStatusProcessing, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransitionTo(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
