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

// DeviceRepository maintains the server's materialized view of devices
// (§3). The server only ever writes fields the device itself reported —
// it never mutates device-owned state out from under the device.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	Upsert(ctx context.Context, d *models.Device) error

	// SetCurrentBundle points deviceID at bundleID, reporting changed=true
	// only if the device's current bundle actually moved (i.e. it was not
	// already on bundleID). Callers use this to count an activation once
	// per (release, device) transition rather than once per poll.
	SetCurrentBundle(ctx context.Context, deviceID, bundleID string) (changed bool, err error)
	CountActiveSince(ctx context.Context, appID string, since time.Time) (int, error)
}

type deviceRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepository{db: db, logger: slog.Default().With("component", "device-repository")}
}

func (r *deviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, app_id, platform, app_version, os_version, current_bundle_id, last_seen_at, first_seen_at
		FROM device WHERE id = $1`, id)
	var d models.Device
	var currentBundle sql.NullString
	if err := row.Scan(&d.ID, &d.AppID, &d.Platform, &d.AppVersion, &d.OSVersion, &currentBundle, &d.LastSeenAt, &d.FirstSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	if currentBundle.Valid {
		d.CurrentBundleID = &currentBundle.String
	}
	return &d, nil
}

// Upsert records what a device reported about itself on its most recent
// contact with the server — it is always the device, not an operator, that
// drives this write.
func (r *deviceRepository) Upsert(ctx context.Context, d *models.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device (id, app_id, platform, app_version, os_version, last_seen_at, first_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			platform = EXCLUDED.platform,
			app_version = EXCLUDED.app_version,
			os_version = EXCLUDED.os_version,
			last_seen_at = EXCLUDED.last_seen_at`,
		d.ID, d.AppID, d.Platform, d.AppVersion, d.OSVersion, d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (r *deviceRepository) SetCurrentBundle(ctx context.Context, deviceID, bundleID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE device SET current_bundle_id = $1
		WHERE id = $2 AND (current_bundle_id IS NULL OR current_bundle_id != $1)`,
		bundleID, deviceID)
	if err != nil {
		return false, fmt.Errorf("set current bundle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set current bundle: %w", err)
	}
	return n > 0, nil
}

func (r *deviceRepository) CountActiveSince(ctx context.Context, appID string, since time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device WHERE app_id = $1 AND last_seen_at >= $2`, appID, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}
