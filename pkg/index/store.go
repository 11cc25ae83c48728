package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store persists the path set.
type Store interface {
	// Load returns the persisted paths, or none when nothing was saved yet.
	Load(ctx context.Context) ([]string, error)
	// Save replaces the persisted set with paths.
	Save(ctx context.Context, paths []string) error
	// Remove deletes the persisted set.
	Remove(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON = "json"
	BackendBolt = "bolt"
)

// Open returns the store for backend at path. An empty backend is JSON.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendJSON:
		return NewJSONStore(path)
	case BackendBolt:
		return NewBoltStore(BoltConfig{Path: path})
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("index: unknown backend %q", backend)
	}
}

// MemoryStore keeps the set in memory. Useful for tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	paths []string
	saves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...), nil
}

func (m *MemoryStore) Save(ctx context.Context, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append([]string(nil), paths...)
	sort.Strings(m.paths)
	m.saves++
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = nil
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
