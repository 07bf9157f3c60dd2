package checkpoint

import (
	"context"
	"sync"

	"github.com/mehmetymw/cdc2es/internal/types"
)

type MemoryStore struct {
	mu    sync.Mutex
	saved map[string]types.Position
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{saved: make(map[string]types.Position)}
}

func (m *MemoryStore) Load(_ context.Context, source string) (types.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.saved[source]
	return p, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, source string, pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[source] = pos
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
