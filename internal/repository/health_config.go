package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/models"
)

// HealthConfigRepository accesses per-app Health Aggregator tuning (§4.4).
// Absence of a row is not an error: callers fall back to
// models.DefaultHealthConfig, matching the "fail open" invariant.
type HealthConfigRepository interface {
	Get(ctx context.Context, appID string) (*models.HealthConfig, error)
	Upsert(ctx context.Context, cfg models.HealthConfig) error
}

type healthConfigRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewHealthConfigRepository(db *database.DB) HealthConfigRepository {
	return &healthConfigRepository{db: db, logger: slog.Default().With("component", "health-config-repository")}
}

func (r *healthConfigRepository) Get(ctx context.Context, appID string) (*models.HealthConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT app_id, window_duration_seconds, min_sample, failure_threshold, dedup_window_seconds, sweep_interval_seconds
		FROM health_config WHERE app_id = $1`, appID)

	var cfg models.HealthConfig
	var windowSecs, dedupSecs, sweepSecs int64
	if err := row.Scan(&cfg.AppID, &windowSecs, &cfg.MinSample, &cfg.FailureThreshold, &dedupSecs, &sweepSecs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get health config: %w", err)
	}
	cfg.WindowDuration = time.Duration(windowSecs) * time.Second
	cfg.DedupWindow = time.Duration(dedupSecs) * time.Second
	cfg.SweepInterval = time.Duration(sweepSecs) * time.Second
	return &cfg, nil
}

func (r *healthConfigRepository) Upsert(ctx context.Context, cfg models.HealthConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_config (app_id, window_duration_seconds, min_sample, failure_threshold, dedup_window_seconds, sweep_interval_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (app_id) DO UPDATE SET
			window_duration_seconds = EXCLUDED.window_duration_seconds,
			min_sample = EXCLUDED.min_sample,
			failure_threshold = EXCLUDED.failure_threshold,
			dedup_window_seconds = EXCLUDED.dedup_window_seconds,
			sweep_interval_seconds = EXCLUDED.sweep_interval_seconds`,
		cfg.AppID, int64(cfg.WindowDuration.Seconds()), cfg.MinSample, cfg.FailureThreshold,
		int64(cfg.DedupWindow.Seconds()), int64(cfg.SweepInterval.Seconds()))
	if err != nil {
		return fmt.Errorf("upsert health config: %w", err)
	}
	return nil
}
