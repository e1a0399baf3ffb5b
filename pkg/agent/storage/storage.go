// Package storage persists a single model.Metadata record on behalf of the
// device agent. It generalizes the teacher's
// internal/agent/device/state_store.go — a sqlite-backed, WAL-mode,
// multi-table store (state blob + metrics buffer + update history) — down
// to the single-record shape the on-device SDK actually needs: one
// JSON-encoded struct, loaded once at startup and saved whole on every
// mutation.
package storage

import (
	"context"

	"bundlenudge.sh/pkg/agent/model"
)

// Storage loads and saves the device's persisted Metadata. Implementations
// must make Save atomic: a crash or power loss mid-write must never leave
// behind a record that Load reads back as valid-but-corrupt. Load of a
// record that was never saved returns ErrNotFound.
type Storage interface {
	Load(ctx context.Context) (*model.Metadata, error)
	Save(ctx context.Context, m *model.Metadata) error
}

// ErrNotFound is returned by Load when no record has ever been saved.
type ErrNotFound struct{}

func (ErrNotFound) Error() string { return "agent storage: no record found" }
