package storage

import (
	"context"
	"sync"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// MemoryBackend keeps records in process memory. Used by tests and
// throwaway nodes.
type MemoryBackend struct {
	mu      sync.RWMutex
	name    string
	records map[interfaces.SessionID][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:    name,
		records: make(map[interfaces.SessionID][]byte),
	}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.SessionID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.records[id]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, id interfaces.SessionID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[id] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id interfaces.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory-" + b.name
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://" + b.name
}
