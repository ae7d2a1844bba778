package noncer

import (
	"context"
	"sync"
)

// MemoryBacking is a process-local Backing for tests and single-instance
// deployments. A single mutex keeps Incr/SetNX atomic.
type MemoryBacking struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryBacking returns an empty in-memory backing.
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{values: make(map[string]int64)}
}

// Incr implements Backing.
func (b *MemoryBacking) Incr(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key]++
	return b.values[key], nil
}

// Get implements Backing.
func (b *MemoryBacking) Get(ctx context.Context, key string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

// Set implements Backing.
func (b *MemoryBacking) Set(ctx context.Context, key string, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	return nil
}

// SetNX implements Backing.
func (b *MemoryBacking) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[key]; ok {
		return false, nil
	}
	b.values[key] = value
	return true, nil
}

// Del implements Backing.
func (b *MemoryBacking) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

// Close implements Backing.
func (b *MemoryBacking) Close() error { return nil }
