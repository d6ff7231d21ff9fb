package identity

import (
	"context"
	"sync"
)

// AttributeStore is the external per-agent key/value store.
type AttributeStore interface {
	Get(ctx context.Context, agentID uint64, key string) (string, bool, error)
	Set(ctx context.Context, agentID uint64, key, value string) error
}

type attrKey struct {
	agentID uint64
	key     string
}

// MemoryAttributes is an in-memory AttributeStore.
type MemoryAttributes struct {
	mu   sync.RWMutex
	data map[attrKey]string
}

func NewMemoryAttributes() *MemoryAttributes {
	return &MemoryAttributes{data: make(map[attrKey]string)}
}

func (m *MemoryAttributes) Get(_ context.Context, agentID uint64, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[attrKey{agentID, key}]
	return v, ok, nil
}

func (m *MemoryAttributes) Set(_ context.Context, agentID uint64, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[attrKey{agentID, key}] = value
	return nil
}
