// Package repository provides typed data access for every entity in
// spec §3 (C2 Repositories). Each repository wraps *database.DB behind a
// narrow interface, logs via slog, and decodes JSON-encoded columns at the
// boundary — the same shape the teacher applies in
// internal/repository/device.go, generalized from a single device table to
// app/channel/release/device/health_config.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"bundlenudge.sh/internal/database"
	"bundlenudge.sh/internal/models"
)

// AppRepository accesses the app table.
type AppRepository interface {
	Get(ctx context.Context, id string) (*models.App, error)
	Create(ctx context.Context, app *models.App) error
	List(ctx context.Context) ([]*models.App, error)
}

type appRepository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewAppRepository(db *database.DB) AppRepository {
	return &appRepository{db: db, logger: slog.Default().With("component", "app-repository")}
}

func (r *appRepository) Get(ctx context.Context, id string) (*models.App, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	row := r.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM app WHERE id = $1`, id)
	var a models.App
	if err := row.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get app: %w", err)
	}
	return &a, nil
}

func (r *appRepository) Create(ctx context.Context, app *models.App) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO app (id, name, created_at) VALUES ($1, $2, $3)`,
		app.ID, app.Name, app.CreatedAt)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	r.logger.Debug("created app", "app_id", app.ID)
	return nil
}

func (r *appRepository) List(ctx context.Context) ([]*models.App, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at FROM app ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []*models.App
	for rows.Next() {
		var a models.App
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		apps = append(apps, &a)
	}
	return apps, rows.Err()
}
