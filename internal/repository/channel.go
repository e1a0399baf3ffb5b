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

// ChannelRepository accesses the channel table, including the atomic
// activation swap used by the release FSM (§4.3).
type ChannelRepository interface {
	Get(ctx context.Context, id string) (*models.Channel, error)
	GetByAppAndName(ctx context.Context, appID, name string) (*models.Channel, error)
	GetDefault(ctx context.Context, appID string) (*models.Channel, error)
	Create(ctx context.Context, ch *models.Channel) error
	SetRolloutPercentage(ctx context.Context, id string, pct int) error
	SetTargetingRules(ctx context.Context, id string, rules []models.Rule) error

	// CompareAndSwapActiveRelease atomically moves the channel's
	// active_release pointer from expectedPrev to newReleaseID, failing
	// with ErrConflict if the pointer changed underneath the caller. The
	// release processor moves the pointer only through this CAS and
	// ClearActiveRelease; there is no transaction-based path.
	CompareAndSwapActiveRelease(ctx context.Context, channelID string, expectedPrev *string, newReleaseID string) error

	// ClearActiveRelease atomically unsets the channel's active_release
	// pointer if it still points at expectedCurrent, used when rolling
	// back the currently active release.
	ClearActiveRelease(ctx context.Context, channelID string, expectedCurrent string) error
}

type channelRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewChannelRepository(db *database.DB) ChannelRepository {
	return &channelRepository{db: db, logger: slog.Default().With("component", "channel-repository")}
}

const channelSelectColumns = `id, app_id, name, is_default, active_release_id, rollout_percentage, targeting_rules, created_at, updated_at`

func (r *channelRepository) Get(ctx context.Context, id string) (*models.Channel, error) {
	return r.scanOne(ctx, `SELECT `+channelSelectColumns+` FROM channel WHERE id = $1`, id)
}

func (r *channelRepository) GetByAppAndName(ctx context.Context, appID, name string) (*models.Channel, error) {
	return r.scanOne(ctx, `SELECT `+channelSelectColumns+` FROM channel WHERE app_id = $1 AND name = $2`, appID, name)
}

// GetDefault resolves an app's default channel, used by the Update
// Resolution Service when a request carries no channel_hint (§4.5 step 2).
func (r *channelRepository) GetDefault(ctx context.Context, appID string) (*models.Channel, error) {
	return r.scanOne(ctx, `SELECT `+channelSelectColumns+` FROM channel WHERE app_id = $1 AND is_default = TRUE`, appID)
}

func (r *channelRepository) scanOne(ctx context.Context, query string, args ...any) (*models.Channel, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	var c models.Channel
	var rulesJSON []byte
	if err := row.Scan(&c.ID, &c.AppID, &c.Name, &c.IsDefault, &c.ActiveReleaseID, &c.RolloutPercentage, &rulesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &c.TargetingRules); err != nil {
			return nil, fmt.Errorf("decode targeting rules: %w", err)
		}
	}
	return &c, nil
}

func (r *channelRepository) Create(ctx context.Context, ch *models.Channel) error {
	rulesJSON, err := json.Marshal(ch.TargetingRules)
	if err != nil {
		return fmt.Errorf("encode targeting rules: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO channel (id, app_id, name, is_default, active_release_id, rollout_percentage, targeting_rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.AppID, ch.Name, ch.IsDefault, ch.ActiveReleaseID, ch.RolloutPercentage, rulesJSON, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (r *channelRepository) SetRolloutPercentage(ctx context.Context, id string, pct int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE channel SET rollout_percentage = $1, updated_at = $2 WHERE id = $3`, pct, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set rollout percentage: %w", err)
	}
	return requireRowsAffected(res)
}

func (r *channelRepository) SetTargetingRules(ctx context.Context, id string, rules []models.Rule) error {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode targeting rules: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE channel SET targeting_rules = $1, updated_at = $2 WHERE id = $3`, rulesJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set targeting rules: %w", err)
	}
	return requireRowsAffected(res)
}

func (r *channelRepository) CompareAndSwapActiveRelease(ctx context.Context, channelID string, expectedPrev *string, newReleaseID string) error {
	var res sql.Result
	var err error
	if expectedPrev == nil {
		res, err = r.db.ExecContext(ctx,
			`UPDATE channel SET active_release_id = $1, updated_at = $2 WHERE id = $3 AND active_release_id IS NULL`,
			newReleaseID, time.Now(), channelID)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE channel SET active_release_id = $1, updated_at = $2 WHERE id = $3 AND active_release_id = $4`,
			newReleaseID, time.Now(), channelID, *expectedPrev)
	}
	if err != nil {
		return fmt.Errorf("swap active release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap active release: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	r.logger.Info("channel active release swapped", "channel_id", channelID, "new_release_id", newReleaseID)
	return nil
}

func (r *channelRepository) ClearActiveRelease(ctx context.Context, channelID string, expectedCurrent string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE channel SET active_release_id = NULL, updated_at = $1 WHERE id = $2 AND active_release_id = $3`,
		time.Now(), channelID, expectedCurrent)
	if err != nil {
		return fmt.Errorf("clear active release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear active release: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
