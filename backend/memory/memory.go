// Package memory provides an in-process Backend backed by a map.
//
// It is the reference implementation of the backend contract and the store
// used by unit tests. It is not shared between processes.
package memory

import (
	"context"
	"slices"
	"sync"
)

// Backend is a map-backed cache store safe for concurrent use.
type Backend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// New returns an empty store.
func New() *Backend {
	return &Backend{entries: make(map[string][]byte)}
}

// Put stores a copy of payload under key.
func (b *Backend) Put(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]byte, len(payload))
	copy(data, payload)
	b.entries[key] = data
	return nil
}

// Get returns a copy of the payload stored under key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(data), true, nil
}

// Delete removes key if present.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of stored keys.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
