package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/models"
)

// HealthReportRepository persists device-reported failures and the sliding
// window counters the Health Aggregator sweeps (§4.4).
type HealthReportRepository interface {
	// InsertIfNotDuplicate records a failure report, returning false
	// without error if (releaseID, deviceID) was already reported within
	// dedupWindow — implementing §4.4's "idempotent within a window"
	// coalescing rule.
	InsertIfNotDuplicate(ctx context.Context, report models.HealthReport, dedupWindow time.Duration) (bool, error)

	// RecordActivation increments the activation counter for the bucket
	// containing eventTime; called once per device that successfully
	// activates a release (not only on failure).
	RecordActivation(ctx context.Context, releaseID string, eventTime time.Time) error

	// RecordFailure increments the failure counter for the bucket
	// containing eventTime.
	RecordFailure(ctx context.Context, releaseID string, eventTime time.Time) error

	// WindowCounts returns (activations, failures) accumulated across every
	// bucket whose event time falls at or after cutoff (the sweep instant
	// minus the configured window duration).
	WindowCounts(ctx context.Context, releaseID string, cutoff time.Time) (activations, failures int, err error)

	InsertRollbackRecord(ctx context.Context, rec models.RollbackRecord) error
}

// windowBucketResolution quantizes event timestamps into fixed buckets so
// concurrent writes for the same release coalesce into one row (the
// ON CONFLICT upsert below) instead of one row per event.
const windowBucketResolution = time.Minute

func bucketFor(eventTime time.Time) time.Time {
	return eventTime.Truncate(windowBucketResolution)
}

type healthReportRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewHealthReportRepository(db *database.DB) HealthReportRepository {
	return &healthReportRepository{db: db, logger: slog.Default().With("component", "health-repository")}
}

func (r *healthReportRepository) InsertIfNotDuplicate(ctx context.Context, report models.HealthReport, dedupWindow time.Duration) (bool, error) {
	cutoff := report.ReportedAt.Add(-dedupWindow)
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM health_report
		WHERE release_id = $1 AND device_id = $2 AND reported_at >= $3`,
		report.ReleaseID, report.DeviceID, cutoff)
	var existing int
	if err := row.Scan(&existing); err != nil {
		return false, fmt.Errorf("check duplicate health report: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	missingJSON, err := json.Marshal(report.MissingEvents)
	if err != nil {
		return false, fmt.Errorf("encode missing events: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO health_report (id, release_id, device_id, missing_events, reported_at)
		VALUES ($1, $2, $3, $4, $5)`,
		report.ID, report.ReleaseID, report.DeviceID, missingJSON, report.ReportedAt)
	if err != nil {
		return false, fmt.Errorf("insert health report: %w", err)
	}
	return true, nil
}

func (r *healthReportRepository) RecordActivation(ctx context.Context, releaseID string, eventTime time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_window (release_id, window_start, activations, failures)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (release_id, window_start) DO UPDATE
		SET activations = health_window.activations + 1`,
		releaseID, bucketFor(eventTime))
	if err != nil {
		return fmt.Errorf("record activation: %w", err)
	}
	return nil
}

func (r *healthReportRepository) RecordFailure(ctx context.Context, releaseID string, eventTime time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_window (release_id, window_start, activations, failures)
		VALUES ($1, $2, 0, 1)
		ON CONFLICT (release_id, window_start) DO UPDATE
		SET failures = health_window.failures + 1`,
		releaseID, bucketFor(eventTime))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (r *healthReportRepository) WindowCounts(ctx context.Context, releaseID string, cutoff time.Time) (int, int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(activations), 0), COALESCE(SUM(failures), 0)
		FROM health_window WHERE release_id = $1 AND window_start >= $2`,
		releaseID, cutoff)
	var activations, failures int
	if err := row.Scan(&activations, &failures); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("window counts: %w", err)
	}
	return activations, failures, nil
}

func (r *healthReportRepository) InsertRollbackRecord(ctx context.Context, rec models.RollbackRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rollback_record (id, release_id, reason, detail, automatic, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ReleaseID, rec.Reason, nullIfEmpty(rec.Detail), rec.Automatic, rec.TriggeredAt)
	if err != nil {
		return fmt.Errorf("insert rollback record: %w", err)
	}
	return nil
}
