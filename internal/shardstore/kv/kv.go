// Package kv defines the durable key-value store abstraction a shard store
// is built on, plus an in-memory reference implementation.
package kv

import (
	"context"
	"sort"
	"sync"

	"github.com/oriondb/oriondb/pkg/errors"
)

// Store is an opaque durable key→value store with prefix listing. A shard
// store and the transaction coordinator both persist their state through
// this interface, so either can run against the in-memory implementation
// (tests, cmd/shardnode default) or a durable backend (shardstore/pgkv).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Memory is an in-memory, map-backed Store. It is reconstructible by a full
// scan in the sense that List(prefix) returns a live view of everything
// currently stored, playing the same role a flushable in-memory index plays
// for a single shard's documents.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errors.ErrDocumentNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cp := make([]byte, len(m.data[k]))
			copy(cp, m.data[k])
			out[k] = cp
		}
	}
	return out, nil
}
