package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bundlenudge.sh/pkg/agent/model"
)

// File is the default Storage: a single JSON file, written by the
// write-temp-then-rename discipline the teacher's state_store.go applies
// to sqlite checkpoints, so a crash mid-Save never leaves a torn file
// behind — Load always sees either the old record or the new one.
type File struct {
	path string
}

// NewFile returns a File-backed store rooted at path. The parent directory
// must already exist; NewFile does not create it.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load(_ context.Context) (*model.Metadata, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound{}
		}
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	var out model.Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &out, nil
}

func (f *File) Save(_ context.Context, md *model.Metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
