// Package watch turns filesystem notifications under the local mount roots
// into single-file sync requests.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jacktea/strmsync/pkg/logging"
)

// DefaultDebounce is the quiet period after the last create or write on a
// path before it is handed off.
const DefaultDebounce = 2 * time.Second

// Handler receives the absolute path of a settled file.
type Handler func(ctx context.Context, path string) error

// Options configure a Watcher.
type Options struct {
	Roots    []string
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher watches Roots recursively.
type Watcher struct {
	roots    []string
	debounce time.Duration
	log      *zap.Logger
	fsw      *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Watcher. Nothing is watched until Run.
func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		roots:    opts.Roots,
		debounce: opts.Debounce,
		log:      logging.OrNop(opts.Logger),
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is done, calling handle for every file created or
// moved in under a root. Handler errors are logged.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.fsw.Close()
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
		w.log.Info("watching", zap.String("mount", root))
	}

	var wg sync.WaitGroup
	defer func() {
		w.mu.Lock()
		for p, t := range w.timers {
			if t.Stop() {
				wg.Done()
			}
			delete(w.timers, p)
		}
		w.mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event, handle, &wg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event, handle Handler, wg *sync.WaitGroup) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	name := event.Name
	if strings.HasPrefix(filepath.Base(name), ".") {
		return
	}
	info, err := os.Lstat(name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			w.addNewDir(ctx, name, handle, wg)
		}
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return
	}
	w.schedule(ctx, name, handle, wg)
}

// addNewDir watches a directory that appeared and schedules the files already
// inside it, which covers directories moved in whole.
func (w *Watcher) addNewDir(ctx context.Context, dir string, handle Handler, wg *sync.WaitGroup) {
	if err := w.addTree(dir); err != nil {
		w.log.Warn("watch new directory", zap.String("path", dir), zap.Error(err))
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
			w.schedule(ctx, p, handle, wg)
		}
		return nil
	})
}

func (w *Watcher) schedule(ctx context.Context, p string, handle Handler, wg *sync.WaitGroup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(ctx, p, handle, wg)
}

// scheduleLocked (re)arms the debounce timer for p. w.mu must be held.
func (w *Watcher) scheduleLocked(ctx context.Context, p string, handle Handler, wg *sync.WaitGroup) {
	if t, ok := w.timers[p]; ok {
		if t.Stop() {
			wg.Done()
		}
	}
	wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		defer wg.Done()
		w.mu.Lock()
		// A newer timer may already own the entry.
		if w.timers[p] == timer {
			delete(w.timers, p)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := handle(ctx, p); err != nil {
			w.log.Error("sync file", zap.String("path", p), zap.Error(err))
		}
	})
	w.timers[p] = timer
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return nil
	})
}
