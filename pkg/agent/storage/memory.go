package storage

import (
	"context"
	"encoding/json"
	"sync"

	"bundlenudge.sh/pkg/agent/model"
)

// Memory is an in-process Storage backed by a mutex-guarded copy, useful
// for tests and for hosts that persist the record through some other
// mechanism (e.g. a platform key-value store wrapped by the caller).
type Memory struct {
	mu  sync.Mutex
	buf []byte // JSON snapshot; round-tripping through bytes catches aliasing bugs the same way a real store would.
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (*model.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil, ErrNotFound{}
	}
	var out model.Metadata
	if err := json.Unmarshal(m.buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Memory) Save(_ context.Context, md *model.Metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = b
	return nil
}
