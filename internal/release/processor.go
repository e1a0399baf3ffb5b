package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/ferrors"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/repository"
	"bundlenudge.sh/internal/retry"
)

// LeaseTTL is the default exclusive-lease duration a worker holds while
// processing one release (§4.3).
const LeaseTTL = 30 * time.Second

// Processor advances releases through the lifecycle FSM. It generalizes
// the teacher's internal/fleet/orchestrator.go Orchestrator: instead of an
// in-memory map of in-flight deployment goroutines, ownership of an
// in-flight release is an exclusive, TTL-bounded lease row so multiple
// processor replicas can share the work queue safely.
type Processor struct {
	releases repository.ReleaseRepository
	channels repository.ChannelRepository
	ownerID  string
	logger   *slog.Logger
	retryCfg retry.Config
}

// NewProcessor builds a Processor. ownerID identifies this worker instance
// for lease ownership (typically a hostname+pid or a generated UUID).
func NewProcessor(releases repository.ReleaseRepository, channels repository.ChannelRepository, ownerID string) *Processor {
	return &Processor{
		releases: releases,
		channels: channels,
		ownerID:  ownerID,
		logger:   slog.Default().With("component", "release-processor"),
		retryCfg: retry.DatabaseConfig(),
	}
}

// Tick polls for pending/processing releases without a live lease and
// advances each one. Intended to be called on a periodic timer from
// cmd/bundlenudge-server.
func (p *Processor) Tick(ctx context.Context, batchSize int) error {
	candidates, err := p.releases.ListPendingWithoutLease(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("list pending releases: %w", err)
	}
	for _, rel := range candidates {
		p.processOne(ctx, rel)
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, rel *models.Release) {
	acquired, err := p.releases.AcquireLease(ctx, rel.ID, p.ownerID, LeaseTTL)
	if err != nil {
		p.logger.Error("acquire lease failed", "release_id", rel.ID, "error", err)
		return
	}
	if !acquired {
		return // another worker holds the lease
	}
	defer func() {
		if err := p.releases.ReleaseLease(ctx, rel.ID, p.ownerID); err != nil {
			p.logger.Warn("release lease cleanup failed", "release_id", rel.ID, "error", err)
		}
	}()

	if err := p.Advance(ctx, rel); err != nil {
		p.logger.Error("advance release failed", "release_id", rel.ID, "error", err)
	}
}

// Advance moves a release one step through pending -> processing ->
// active|rejected, retrying transient persistence failures with
// exponential backoff (§4.3).
func (p *Processor) Advance(ctx context.Context, rel *models.Release) error {
	switch rel.Status {
	case models.ReleaseStatusPending:
		return p.toProcessing(ctx, rel)
	case models.ReleaseStatusProcessing:
		return p.activate(ctx, rel)
	default:
		return nil // terminal or already active: nothing to advance
	}
}

func (p *Processor) toProcessing(ctx context.Context, rel *models.Release) error {
	return retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		return p.releases.UpdateStatus(ctx, rel.ID, models.ReleaseStatusPending, models.ReleaseStatusProcessing)
	})
}

// activate swaps the channel's active_release pointer to rel, supersedes
// whatever was active before, and flips rel to active — atomically from
// the channel's point of view (§4.3).
func (p *Processor) activate(ctx context.Context, rel *models.Release) error {
	ch, err := p.channels.Get(ctx, rel.ChannelID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "load channel for activation")
	}

	err = retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		return p.channels.CompareAndSwapActiveRelease(ctx, ch.ID, ch.ActiveReleaseID, rel.ID)
	})
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeConflict, "swap active release")
	}

	if ch.ActiveReleaseID != nil && *ch.ActiveReleaseID != rel.ID {
		if err := p.releases.UpdateStatus(ctx, *ch.ActiveReleaseID, models.ReleaseStatusActive, models.ReleaseStatusSuperseded); err != nil {
			p.logger.Warn("supersede previous release failed", "release_id", *ch.ActiveReleaseID, "error", err)
		}
	}

	return retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		return p.releases.UpdateStatus(ctx, rel.ID, models.ReleaseStatusProcessing, models.ReleaseStatusActive)
	})
}

// Reject transitions a release straight to rejected, e.g. after bundle
// validation fails before any device ever sees it.
func (p *Processor) Reject(ctx context.Context, releaseID, reason string) error {
	rel, err := p.releases.Get(ctx, releaseID)
	if err != nil {
		return err
	}
	if !CanTransitionTo(rel.Status, models.ReleaseStatusRejected) {
		return &ErrIllegalTransition{From: rel.Status, To: models.ReleaseStatusRejected}
	}
	return p.releases.UpdateStatus(ctx, releaseID, rel.Status, models.ReleaseStatusRejected)
}

// Rollback transitions an active release to rolled_back. If the release
// being rolled back superseded an earlier one, that earlier release is
// restored as the channel's active pointer (so a device's next /check sees
// the previous release rather than losing its update entirely); otherwise
// the pointer is cleared, leaving the channel with no active release
// (§4.4 S2: "next check from a fresh device returns the previous release
// or updateAvailable=false if none").
func (p *Processor) Rollback(ctx context.Context, releaseID string, reason models.RollbackReason) error {
	rel, err := p.releases.Get(ctx, releaseID)
	if err != nil {
		return err
	}
	if !CanTransitionTo(rel.Status, models.ReleaseStatusRolledBack) {
		return &ErrIllegalTransition{From: rel.Status, To: models.ReleaseStatusRolledBack}
	}

	ch, err := p.channels.Get(ctx, rel.ChannelID)
	if err != nil {
		return err
	}
	if ch.ActiveReleaseID != nil && *ch.ActiveReleaseID == rel.ID {
		if err := p.restorePreviousActive(ctx, ch, rel); err != nil {
			return err
		}
	}
	if err := p.releases.UpdateStatus(ctx, releaseID, models.ReleaseStatusActive, models.ReleaseStatusRolledBack); err != nil {
		return err
	}
	p.logger.Info("release rolled back", "release_id", releaseID, "reason", reason)
	return nil
}

// restorePreviousActive swaps the channel's active_release pointer off the
// release being rolled back, onto the most recently superseded release on
// that channel if one exists, or clears it if there isn't one.
func (p *Processor) restorePreviousActive(ctx context.Context, ch *models.Channel, rel *models.Release) error {
	prev, err := p.releases.LatestSuperseded(ctx, ch.ID)
	if err != nil {
		if err == repository.ErrNotFound {
			if err := p.channels.ClearActiveRelease(ctx, ch.ID, rel.ID); err != nil {
				return ferrors.Wrap(err, ferrors.CodeConflict, "clear active release on rollback")
			}
			return nil
		}
		return ferrors.Wrap(err, ferrors.CodeInternal, "load previous release for rollback")
	}

	if err := p.channels.CompareAndSwapActiveRelease(ctx, ch.ID, &rel.ID, prev.ID); err != nil {
		return ferrors.Wrap(err, ferrors.CodeConflict, "restore previous active release on rollback")
	}
	if err := p.releases.UpdateStatus(ctx, prev.ID, models.ReleaseStatusSuperseded, models.ReleaseStatusActive); err != nil {
		p.logger.Warn("restore previous release status failed", "release_id", prev.ID, "error", err)
	}
	return nil
}
