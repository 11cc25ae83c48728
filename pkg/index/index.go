// Package index keeps the set of remote paths already mirrored and persists it
// between runs.
package index

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// PathIndex is a mutex-guarded set of remote paths with a dirty flag.
// All reads and writes, including Flush, go through the same lock.
type PathIndex struct {
	mu    sync.Mutex
	paths map[string]struct{}
	dirty bool
	store Store
	log   *zap.Logger
}

// New returns an empty index persisted through store.
func New(store Store, log *zap.Logger) *PathIndex {
	if store == nil {
		store = NewMemoryStore()
	}
	return &PathIndex{
		paths: make(map[string]struct{}),
		store: store,
		log:   logging.OrNop(log),
	}
}

// Load replaces the contents with the persisted set. A store with nothing
// persisted yields an empty, clean index.
func (x *PathIndex) Load(ctx context.Context) error {
	paths, err := x.store.Load(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPersist, "load index", "", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.paths = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		x.paths[p] = struct{}{}
	}
	x.dirty = false
	x.log.Info("index loaded", zap.Int("count", len(x.paths)))
	return nil
}

// Add inserts paths and marks the index dirty when any was new.
func (x *PathIndex) Add(paths ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range paths {
		if _, ok := x.paths[p]; ok {
			continue
		}
		x.paths[p] = struct{}{}
		x.dirty = true
	}
}

// Has reports whether p is present.
func (x *PathIndex) Has(p string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.paths[p]
	return ok
}

// Snapshot returns a copy of the set.
func (x *PathIndex) Snapshot() map[string]struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]struct{}, len(x.paths))
	for p := range x.paths {
		out[p] = struct{}{}
	}
	return out
}

// Len returns the number of paths.
func (x *PathIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.paths)
}

// Dirty reports whether the set changed since the last successful flush.
func (x *PathIndex) Dirty() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dirty
}

// Flush persists the set when dirty. It reports whether anything was written.
// On failure the index stays dirty so the next flush retries.
func (x *PathIndex) Flush(ctx context.Context) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return false, nil
	}
	paths := make([]string, 0, len(x.paths))
	for p := range x.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := x.store.Save(ctx, paths); err != nil {
		return false, xerrors.Wrap(xerrors.KindPersist, "flush index", "", err)
	}
	x.dirty = false
	x.log.Info("index flushed", zap.Int("count", len(paths)))
	return true, nil
}

// Clear empties the index and removes its persisted form.
func (x *PathIndex) Clear(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.store.Remove(ctx); err != nil {
		return xerrors.Wrap(xerrors.KindPersist, "clear index", "", err)
	}
	x.paths = make(map[string]struct{})
	x.dirty = false
	x.log.Info("index cleared")
	return nil
}
