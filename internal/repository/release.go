package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/models"
)

// ReleaseRepository accesses the release table, including the exclusive
// processing lease used by the FSM processor for pickup (§4.3).
type ReleaseRepository interface {
	Get(ctx context.Context, id string) (*models.Release, error)
	Create(ctx context.Context, rel *models.Release) error
	UpdateStatus(ctx context.Context, id string, from, to models.ReleaseStatus) error

	// SetRolloutPercentage adjusts the gradual-rollout gate for one release
	// (§4.5 step 6), independent of every other release on its channel.
	SetRolloutPercentage(ctx context.Context, id string, pct int) error
	ListByChannel(ctx context.Context, channelID string, status models.ReleaseStatus) ([]*models.Release, error)

	// LatestSuperseded returns the most recently superseded release on a
	// channel (the one active immediately before the channel's current
	// active release), or ErrNotFound if none exists. Used to restore the
	// previous release as the channel's active pointer on rollback (§4.4 S2).
	LatestSuperseded(ctx context.Context, channelID string) (*models.Release, error)

	// ListActiveByApp returns every currently-active release for an app,
	// across all of its channels — the Health Aggregator's sweep input
	// (§4.4: only an active release can still accumulate failures worth
	// rolling back).
	ListActiveByApp(ctx context.Context, appID string) ([]*models.Release, error)

	// AcquireLease grants id's pending-or-processing release an exclusive
	// TTL-bounded lease for one worker to process it, returning false if
	// another worker already holds a live lease.
	AcquireLease(ctx context.Context, releaseID, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, releaseID, ownerID string) error
	ListPendingWithoutLease(ctx context.Context, limit int) ([]*models.Release, error)
}

type releaseRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewReleaseRepository(db *database.DB) ReleaseRepository {
	return &releaseRepository{db: db, logger: slog.Default().With("component", "release-repository")}
}

const releaseColumns = `id, app_id, channel_id, bundle_version, bundle_url, bundle_size, bundle_hash, release_notes, status, reject_reason, targeting_rules, rollout_percentage, created_at, updated_at, activated_at`

func (r *releaseRepository) scanOne(row *sql.Row) (*models.Release, error) {
	var rel models.Release
	var rulesJSON []byte
	var rejectReason sql.NullString
	var releaseNotes sql.NullString
	var activatedAt sql.NullTime
	if err := row.Scan(&rel.ID, &rel.AppID, &rel.ChannelID, &rel.BundleVersion, &rel.BundleURL, &rel.BundleSize, &rel.BundleHash,
		&releaseNotes, &rel.Status, &rejectReason, &rulesJSON, &rel.RolloutPercentage, &rel.CreatedAt, &rel.UpdatedAt, &activatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get release: %w", err)
	}
	rel.RejectReason = rejectReason.String
	rel.ReleaseNotes = releaseNotes.String
	if activatedAt.Valid {
		rel.ActivatedAt = &activatedAt.Time
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &rel.TargetingRules); err != nil {
			return nil, fmt.Errorf("decode targeting rules: %w", err)
		}
	}
	return &rel, nil
}

func (r *releaseRepository) Get(ctx context.Context, id string) (*models.Release, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM release WHERE id = $1`, id)
	return r.scanOne(row)
}

func (r *releaseRepository) Create(ctx context.Context, rel *models.Release) error {
	rulesJSON, err := json.Marshal(rel.TargetingRules)
	if err != nil {
		return fmt.Errorf("encode targeting rules: %w", err)
	}
	pct := rel.RolloutPercentage
	if pct == 0 {
		pct = 100 // unset defaults to fully rolled out, matching the column default
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO release (id, app_id, channel_id, bundle_version, bundle_url, bundle_size, bundle_hash, release_notes, status, targeting_rules, rollout_percentage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rel.ID, rel.AppID, rel.ChannelID, rel.BundleVersion, rel.BundleURL, rel.BundleSize, rel.BundleHash, nullIfEmpty(rel.ReleaseNotes), rel.Status, rulesJSON, pct, rel.CreatedAt, rel.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create release: %w", err)
	}
	return nil
}

// UpdateStatus moves a release from 'from' to 'to', guarded by a WHERE
// clause on the current status so concurrent transitions lose the race
// rather than silently clobbering each other.
func (r *releaseRepository) UpdateStatus(ctx context.Context, id string, from, to models.ReleaseStatus) error {
	var activatedAt any
	if to == models.ReleaseStatusActive {
		activatedAt = time.Now()
		res, err := r.db.ExecContext(ctx,
			`UPDATE release SET status = $1, updated_at = $2, activated_at = $3 WHERE id = $4 AND status = $5`,
			to, time.Now(), activatedAt, id, from)
		if err != nil {
			return fmt.Errorf("update release status: %w", err)
		}
		return r.requireOne(res)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE release SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, time.Now(), id, from)
	if err != nil {
		return fmt.Errorf("update release status: %w", err)
	}
	return r.requireOne(res)
}

func (r *releaseRepository) SetRolloutPercentage(ctx context.Context, id string, pct int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE release SET rollout_percentage = $1, updated_at = $2 WHERE id = $3`, pct, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set release rollout percentage: %w", err)
	}
	return r.requireOne(res)
}

func (r *releaseRepository) requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *releaseRepository) ListByChannel(ctx context.Context, channelID string, status models.ReleaseStatus) ([]*models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM release WHERE channel_id = $1`
	args := []any{channelID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var out []*models.Release
	for rows.Next() {
		rel, err := scanReleaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *releaseRepository) LatestSuperseded(ctx context.Context, channelID string) (*models.Release, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM release WHERE channel_id = $1 AND status = $2 ORDER BY updated_at DESC LIMIT 1`,
		channelID, models.ReleaseStatusSuperseded)
	return r.scanOne(row)
}

func (r *releaseRepository) ListActiveByApp(ctx context.Context, appID string) ([]*models.Release, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM release WHERE app_id = $1 AND status = $2 ORDER BY activated_at DESC`,
		appID, models.ReleaseStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active releases: %w", err)
	}
	defer rows.Close()

	var out []*models.Release
	for rows.Next() {
		rel, err := scanReleaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *releaseRepository) AcquireLease(ctx context.Context, releaseID, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO release_lease (release_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (release_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE release_lease.expires_at < $3`,
		releaseID, ownerID, now, expires)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n > 0, nil
}

func (r *releaseRepository) ReleaseLease(ctx context.Context, releaseID, ownerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM release_lease WHERE release_id = $1 AND owner_id = $2`, releaseID, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *releaseRepository) ListPendingWithoutLease(ctx context.Context, limit int) ([]*models.Release, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+releaseColumns+` FROM release rel
		WHERE rel.status IN ($1, $2)
		  AND NOT EXISTS (
		    SELECT 1 FROM release_lease l
		    WHERE l.release_id = rel.id AND l.expires_at > $3
		  )
		ORDER BY rel.created_at
		LIMIT $4`,
		models.ReleaseStatusPending, models.ReleaseStatusProcessing, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending releases: %w", err)
	}
	defer rows.Close()

	var out []*models.Release
	for rows.Next() {
		rel, err := scanReleaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanReleaseRow(rows *sql.Rows) (*models.Release, error) {
	var rel models.Release
	var rulesJSON []byte
	var rejectReason sql.NullString
	var releaseNotes sql.NullString
	var activatedAt sql.NullTime
	if err := rows.Scan(&rel.ID, &rel.AppID, &rel.ChannelID, &rel.BundleVersion, &rel.BundleURL, &rel.BundleSize, &rel.BundleHash,
		&releaseNotes, &rel.Status, &rejectReason, &rulesJSON, &rel.RolloutPercentage, &rel.CreatedAt, &rel.UpdatedAt, &activatedAt); err != nil {
		return nil, fmt.Errorf("scan release: %w", err)
	}
	rel.RejectReason = rejectReason.String
	rel.ReleaseNotes = releaseNotes.String
	if activatedAt.Valid {
		rel.ActivatedAt = &activatedAt.Time
	}
	if len(rulesJSON) > 0 {
		_ = json.Unmarshal(rulesJSON, &rel.TargetingRules)
	}
	return &rel, nil
}

// nullIfEmpty converts an empty string to a typed SQL NULL so optional text
// columns (release_notes, reject_reason) stay NULL rather than "" at rest.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
