package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/strmsync/pkg/xerrors"
)

func TestPathIndexAddFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	idx := New(store, nil)

	if written, err := idx.Flush(ctx); err != nil || written {
		t.Fatalf("clean flush = %v, %v", written, err)
	}
	idx.Add("/Movies/b.mkv", "/Movies/a.mkv")
	if !idx.Dirty() {
		t.Fatalf("expected dirty after add")
	}
	written, err := idx.Flush(ctx)
	if err != nil || !written {
		t.Fatalf("flush = %v, %v", written, err)
	}
	if idx.Dirty() {
		t.Fatalf("expected clean after flush")
	}
	got, _ := store.Load(ctx)
	if !slices.Equal(got, []string{"/Movies/a.mkv", "/Movies/b.mkv"}) {
		t.Fatalf("persisted %v", got)
	}

	idx.Add("/Movies/a.mkv")
	if idx.Dirty() {
		t.Fatalf("re-adding a known path should not dirty the index")
	}
	if store.Saves() != 1 {
		t.Fatalf("expected one save, got %d", store.Saves())
	}
}

func TestPathIndexSnapshotIsCopy(t *testing.T) {
	idx := New(nil, nil)
	idx.Add("/a.mkv")
	snap := idx.Snapshot()
	snap["/b.mkv"] = struct{}{}
	if idx.Has("/b.mkv") || idx.Len() != 1 {
		t.Fatalf("snapshot mutation leaked into index")
	}
}

type failingStore struct {
	MemoryStore
	fail bool
}

func (f *failingStore) Save(ctx context.Context, paths []string) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, paths)
}

func TestPathIndexFlushFailureKeepsDirty(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{fail: true}
	idx := New(store, nil)
	idx.Add("/a.mkv")
	_, err := idx.Flush(ctx)
	if !xerrors.Is(err, xerrors.KindPersist) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if !idx.Dirty() {
		t.Fatalf("expected index to stay dirty")
	}
	store.fail = false
	if written, err := idx.Flush(ctx); err != nil || !written {
		t.Fatalf("retry flush = %v, %v", written, err)
	}
}

func TestPathIndexConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	idx := New(NewMemoryStore(), nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				idx.Add(fmt.Sprintf("/w%d/%d.mkv", w, i))
				if i%25 == 0 {
					if _, err := idx.Flush(ctx); err != nil {
						t.Errorf("flush: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	if idx.Len() != 800 {
		t.Fatalf("expected 800 paths, got %d", idx.Len())
	}
}

func TestPathIndexLoadAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Save(ctx, []string{"/a.mkv", "/b.mkv"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	idx := New(store, nil)
	if err := idx.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if idx.Len() != 2 || idx.Dirty() {
		t.Fatalf("unexpected state len=%d dirty=%v", idx.Len(), idx.Dirty())
	}
	if err := idx.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index")
	}
	if got, _ := store.Load(ctx); len(got) != 0 {
		t.Fatalf("expected persisted set removed, got %v", got)
	}
}

func TestJSONStoreRoundTrip(t *testing.T) {
	for _, name := range []string{"cloud_files.json", "cloud_files.json.zst"} {
		name := name
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", name)
			store, err := NewJSONStore(path)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil || len(got) != 0 {
				t.Fatalf("load missing = %v, %v", got, err)
			}
			want := []string{"/电影/a b.mkv", "/TV/S01E01.mkv"}
			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err = store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !slices.Equal(got, want) {
				t.Fatalf("Load() = %v, want %v", got, want)
			}
			if err := store.Remove(ctx); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("expected file removed, stat err %v", err)
			}
			if err := store.Remove(ctx); err != nil {
				t.Fatalf("remove twice: %v", err)
			}
		})
	}
}

func TestJSONStoreReadsPlainArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud_files.json")
	if err := os.WriteFile(path, []byte(`["/a.mkv", "/b.mkv"]`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(got, []string{"/a.mkv", "/b.mkv"}) {
		t.Fatalf("Load() = %v", got)
	}
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	store, err := NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	if err := store.Save(ctx, []string{"/b.mkv", "/a.mkv", ""}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, []string{"/c.mkv", "/a.mkv"}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(got, []string{"/a.mkv", "/c.mkv"}) {
		t.Fatalf("Load() = %v", got)
	}
	if err := store.Remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got, _ := store.Load(ctx); len(got) != 0 {
		t.Fatalf("expected empty after remove, got %v", got)
	}
}

func TestMigrateJSONToBolt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src, err := NewJSONStore(filepath.Join(dir, "cloud_files.json"))
	if err != nil {
		t.Fatalf("json store: %v", err)
	}
	want := []string{"/a.mkv", "/b/c.mkv"}
	if err := src.Save(ctx, want); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dst, err := Open(BackendBolt, filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	defer dst.Close()
	n, err := Migrate(ctx, src, dst)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("migrated %d, want 2", n)
	}
	got, err := dst.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sort.Strings(got)
	if !slices.Equal(got, want) {
		t.Fatalf("Load() = %v, want %v", got, want)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", "/tmp/x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartFlushesPeriodically(t *testing.T) {
	store := NewMemoryStore()
	idx := New(store, nil)
	idx.Add("/a.mkv")
	flushed := make(chan struct{}, 1)
	stop := idx.Start(context.Background(), 10*time.Millisecond, func(written bool, err error) {
		if written && err == nil {
			select {
			case flushed <- struct{}{}:
			default:
			}
		}
	})
	defer stop()
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("flusher did not run")
	}
	if idx.Dirty() {
		t.Fatalf("expected clean index after periodic flush")
	}
}
