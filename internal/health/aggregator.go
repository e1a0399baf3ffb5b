// Package health implements the Health Aggregator (spec §4.4). It
// generalizes the teacher's internal/rollback/manager.go Manager: the same
// threshold/cooldown shape, but driven by a per-release sliding window of
// device-reported failures instead of a per-deployment system-resource
// policy, and swept periodically rather than evaluated per-write.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/ferrors"
	"bundlenudge.sh/internal/ids"
	"bundlenudge.sh/internal/models"
	"bundlenudge.sh/internal/release"
	"bundlenudge.sh/internal/repository"
)

// RollbackTrigger is the minimal surface the Aggregator needs from the
// release lifecycle FSM to act on a rollback decision. Calls are wrapped
// in a circuit breaker so a flapping lifecycle store cannot retry-storm.
type RollbackTrigger interface {
	Rollback(ctx context.Context, releaseID string, reason models.RollbackReason) error
}

// Aggregator periodically sweeps per-release sliding-window counters and
// triggers an automatic rollback once a release accumulates enough
// activations to be statistically meaningful (MinSample) and its failure
// rate crosses FailureThreshold (§4.4). It is advisory/fail-open: any
// error reading configuration or counters degrades to "do nothing" rather
// than blocking.
type Aggregator struct {
	reports  repository.HealthReportRepository
	configs  repository.HealthConfigRepository
	releases repository.ReleaseRepository
	trigger  RollbackTrigger
	clock    ids.Clock
	breaker  *ferrors.CircuitBreaker
	logger   *slog.Logger
}

func NewAggregator(reports repository.HealthReportRepository, configs repository.HealthConfigRepository, releases repository.ReleaseRepository, trigger RollbackTrigger, clock ids.Clock) *Aggregator {
	return &Aggregator{
		reports:  reports,
		configs:  configs,
		releases: releases,
		trigger:  trigger,
		clock:    clock,
		breaker:  ferrors.NewCircuitBreaker(ferrors.DefaultCircuitBreakerConfig()),
		logger:   slog.Default().With("component", "health-aggregator"),
	}
}

// ReportFailure records one device's failure report for a release,
// deduplicating within the configured dedup window, and immediately bumps
// the sliding-window failure counter (§4.4 "coalesced... within a window").
func (a *Aggregator) ReportFailure(ctx context.Context, appID string, report models.HealthReport) error {
	cfg := a.configFor(ctx, appID)
	inserted, err := a.reports.InsertIfNotDuplicate(ctx, report, cfg.DedupWindow)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "record health report")
	}
	if !inserted {
		return nil // duplicate within the dedup window; already counted
	}
	if err := a.reports.RecordFailure(ctx, report.ReleaseID, a.clock.Now()); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "record window failure")
	}
	return nil
}

// RecordActivation bumps the sliding-window activation counter for a
// release. Called once per (release, device) transition onto the release,
// independent of whether the device ever reports a failure.
func (a *Aggregator) RecordActivation(ctx context.Context, appID, releaseID string) error {
	if err := a.reports.RecordActivation(ctx, releaseID, a.clock.Now()); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "record window activation")
	}
	return nil
}

// Sweep evaluates every release named in releaseIDs against its app's
// HealthConfig and triggers an automatic rollback for any that crosses the
// failure threshold. Intended to run on cfg.SweepInterval (default 10s),
// not per-write, per §4.4's "periodic sweep" invariant.
func (a *Aggregator) Sweep(ctx context.Context, appID string, releaseIDs []string) {
	cfg := a.configFor(ctx, appID)
	cutoff := a.clock.Now().Add(-cfg.WindowDuration)

	for _, releaseID := range releaseIDs {
		activations, failures, err := a.reports.WindowCounts(ctx, releaseID, cutoff)
		if err != nil {
			a.logger.Warn("sweep: window counts failed, skipping (fail-open)", "release_id", releaseID, "error", err)
			continue
		}
		if activations < cfg.MinSample {
			continue
		}
		rate := float64(failures) / float64(activations)
		if rate < cfg.FailureThreshold {
			continue
		}

		detail := fmt.Sprintf("failure rate %.4f over %d activations exceeds threshold %.4f", rate, activations, cfg.FailureThreshold)

		var triggerErr error
		if err := a.breaker.Execute(ctx, func() error {
			triggerErr = a.trigger.Rollback(ctx, releaseID, models.RollbackReasonHealthTimeout)
			return triggerErr
		}); err != nil {
			if _, ok := triggerErr.(*release.ErrIllegalTransition); ok {
				continue // already rolled back / superseded by the time the sweep ran
			}
			a.logger.Error("auto-rollback trigger failed", "release_id", releaseID, "error", err)
			continue
		}

		rec := models.RollbackRecord{
			ID:          ids.NewRollbackID(),
			ReleaseID:   releaseID,
			Reason:      models.RollbackReasonHealthTimeout,
			Detail:      detail,
			Automatic:   true,
			TriggeredAt: a.clock.Now(),
		}
		if err := a.reports.InsertRollbackRecord(ctx, rec); err != nil {
			a.logger.Warn("rollback record persist failed", "release_id", releaseID, "error", err)
		}
		a.logger.Warn("automatic rollback triggered", "release_id", releaseID, "detail", detail)
	}
}

func (a *Aggregator) configFor(ctx context.Context, appID string) models.HealthConfig {
	cfg, err := a.configs.Get(ctx, appID)
	if err != nil {
		return models.DefaultHealthConfig(appID)
	}
	return *cfg
}

// RunSweepLoop runs Sweep on cfg.SweepInterval until ctx is canceled.
// listReleaseIDs supplies the current set of non-terminal releases to
// evaluate each tick (typically "active" releases per app).
func (a *Aggregator) RunSweepLoop(ctx context.Context, appID string, interval time.Duration, listReleaseIDs func(context.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := listReleaseIDs(ctx)
			if err != nil {
				a.logger.Warn("sweep: list releases failed (fail-open)", "error", err)
				continue
			}
			a.Sweep(ctx, appID, ids)
		}
	}
}
