// Package release implements the Release Lifecycle FSM (spec §4.3): the
// pending -> processing -> active|rejected, active -> superseded|rolled_back
// state graph, its transition guards, and the processor that advances
// releases through it. The CanTransitionTo shape is generalized from the
// teacher's internal/fleet/deployment.go DeploymentStatus transition table.
package release

import (
	"fmt"

	"bundlenudge.sh/internal/models"
)

// CanTransitionTo reports whether moving from 'from' to 'to' is a legal
// release-lifecycle transition per §4.3.
func CanTransitionTo(from, to models.ReleaseStatus) bool {
	switch from {
	case models.ReleaseStatusPending:
		switch to {
		case models.ReleaseStatusProcessing, models.ReleaseStatusRejected:
			return true
		}
	case models.ReleaseStatusProcessing:
		switch to {
		case models.ReleaseStatusActive, models.ReleaseStatusRejected:
			return true
		}
	case models.ReleaseStatusActive:
		switch to {
		case models.ReleaseStatusSuperseded, models.ReleaseStatusRolledBack:
			return true
		}
	}
	// superseded, rolled_back and rejected are terminal: no further
	// transitions are legal out of them.
	return false
}

// ErrIllegalTransition is returned by Processor.Reject and
// Processor.Rollback when CanTransitionTo rejects the requested transition.
type ErrIllegalTransition struct {
	From, To models.ReleaseStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal release transition: %s -> %s", e.From, e.To)
}
