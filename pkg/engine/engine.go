// Package engine drives full scans and single-file syncs of the pointer mirror.
package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/strmsync/pkg/format"
	"github.com/jacktea/strmsync/pkg/index"
	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/materialize"
	"github.com/jacktea/strmsync/pkg/metrics"
	"github.com/jacktea/strmsync/pkg/mount"
	"github.com/jacktea/strmsync/pkg/snapshot"
	"github.com/jacktea/strmsync/pkg/source"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// Options wire an Engine.
type Options struct {
	Mounts  *mount.Set
	Fetcher source.Fetcher
	// Index defaults to an in-memory index.
	Index *index.PathIndex
	// MirrorFS receives pointer files and copies. Defaults to the OS root.
	MirrorFS billy.Filesystem
	// SourceFS reads the local mount for byte copies. Defaults to the OS root.
	SourceFS   billy.Filesystem
	Classifier mount.Classifier
	Overwrite  bool
	URIEncode  bool
	Rules      format.Rules
	// Concurrency bounds concurrent tree fetches.
	Concurrency   int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Engine owns every piece of sync state; there are no package globals.
type Engine struct {
	mounts        *mount.Set
	fetcher       source.Fetcher
	index         *index.PathIndex
	differ        *snapshot.Differ
	mat           *materialize.Materializer
	sourceFS      billy.Filesystem
	classifier    mount.Classifier
	uriEncode     bool
	rules         format.Rules
	flushInterval time.Duration
	log           *zap.Logger

	scans    singleflight.Group
	scanning atomic.Bool

	mu       sync.Mutex
	last     *Report
	stopLoop func()
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Mounts == nil || opts.Mounts.Len() == 0 {
		return nil, xerrors.Wrap(xerrors.KindConfig, "engine", "", fmt.Errorf("no usable mounts"))
	}
	if opts.Fetcher == nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "engine", "", fmt.Errorf("tree fetcher is required"))
	}
	log := logging.OrNop(opts.Logger)
	if opts.Index == nil {
		opts.Index = index.New(nil, log)
	}
	if opts.MirrorFS == nil {
		opts.MirrorFS = osfs.New("/")
	}
	if opts.SourceFS == nil {
		opts.SourceFS = osfs.New("/")
	}
	return &Engine{
		mounts:  opts.Mounts,
		fetcher: opts.Fetcher,
		index:   opts.Index,
		differ:  snapshot.New(snapshot.Options{Concurrency: opts.Concurrency, Logger: log}),
		mat: materialize.New(materialize.Options{
			FS:        opts.MirrorFS,
			Overwrite: opts.Overwrite,
			Logger:    log,
		}),
		sourceFS:      opts.SourceFS,
		classifier:    opts.Classifier,
		uriEncode:     opts.URIEncode,
		rules:         opts.Rules,
		flushInterval: opts.FlushInterval,
		log:           log,
	}, nil
}

// Index exposes the engine's path index.
func (e *Engine) Index() *index.PathIndex { return e.index }

// Mounts exposes the engine's mount set.
func (e *Engine) Mounts() *mount.Set { return e.mounts }

// FullScan diffs every mount against the index and materializes the new
// files. Concurrent callers share one in-flight scan. The scan stops at the
// next file boundary when ctx is canceled; the index is flushed either way.
func (e *Engine) FullScan(ctx context.Context) (Report, error) {
	v, err, shared := e.scans.Do("scan", func() (any, error) {
		return e.fullScan(ctx)
	})
	if shared {
		e.log.Debug("joined in-flight scan")
	}
	return v.(Report), err
}

func (e *Engine) fullScan(ctx context.Context) (Report, error) {
	e.scanning.Store(true)
	defer e.scanning.Store(false)

	rep := Report{Started: time.Now()}
	e.log.Info("full scan started", zap.Int("mounts", e.mounts.Len()))

	res, err := e.differ.Diff(ctx, e.mounts.All(), e.fetcher, e.index)
	if err != nil {
		rep.Elapsed = time.Since(rep.Started)
		metrics.RecordScan(rep.Elapsed, 0, false)
		return rep, err
	}
	rep.New = res.Total
	rep.Seen = res.Seen
	rep.FetchFailed = res.Failed
	for _, root := range res.Failed {
		metrics.RecordFetchFailure(root)
	}

	if res.Empty() {
		e.log.Info("no new remote files", zap.Int("seen", res.Seen))
	}

	roots := make([]string, 0, len(res.PerMount))
	for root := range res.PerMount {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	var scanErr error
scan:
	for _, root := range roots {
		m, ok := e.mounts.Get(root)
		if !ok {
			continue
		}
		for _, remote := range res.PerMount[root] {
			if err := ctx.Err(); err != nil {
				scanErr = err
				break scan
			}
			class, err := e.process(m, remote, m.LocalFor(remote), m.MirrorFor(remote))
			if err != nil {
				rep.Failed++
				e.log.Error("process file",
					zap.String("mount", m.LocalRoot), zap.String("remote", remote), zap.Error(err))
				continue
			}
			// ignored files are recorded too so they are not diffed again
			e.index.Add(remote)
			if class == mount.ClassIgnored {
				rep.Ignored++
			} else {
				rep.Processed++
			}
		}
	}

	if _, err := e.flush(context.WithoutCancel(ctx)); err != nil {
		e.log.Error("flush after scan", zap.Error(err))
		if scanErr == nil {
			scanErr = err
		}
	}

	rep.Elapsed = time.Since(rep.Started)
	metrics.RecordScan(rep.Elapsed, rep.New, scanErr == nil)
	e.log.Info("full scan finished",
		zap.Int("new", rep.New),
		zap.Int("processed", rep.Processed),
		zap.Int("failed", rep.Failed),
		zap.Int("ignored", rep.Ignored),
		zap.Strings("fetch_failed", rep.FetchFailed),
		zap.String("elapsed", FormatElapsed(rep.Elapsed)))

	e.mu.Lock()
	last := rep
	e.last = &last
	e.mu.Unlock()
	return rep, scanErr
}

// SyncFile materializes one file reported under a mount's local root. The
// path must be absolute and is cleaned before matching. The longest matching
// local root wins. A successful write is recorded in the index without
// flushing; the periodic flusher persists it.
func (e *Engine) SyncFile(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !path.IsAbs(localPath) {
		return xerrors.E(xerrors.KindInvalid, "sync file: path must be absolute", localPath)
	}
	localPath = path.Clean(localPath)
	m, ok := e.mounts.Match(localPath)
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "sync file: no mount for", localPath)
	}
	remote := m.RemoteForLocal(localPath)
	class, err := e.process(m, remote, localPath, m.MirrorForLocal(localPath))
	if err != nil {
		return err
	}
	if class != mount.ClassIgnored {
		e.index.Add(remote)
	}
	return nil
}

// process handles one remote file and returns the class it was handled as.
func (e *Engine) process(m mount.Mapping, remote, local, mirror string) (mount.Class, error) {
	class := e.classifier.Classify(remote)
	var err error
	switch class {
	case mount.ClassMedia:
		var content string
		content, err = format.Format(m.Template, local, remote, e.uriEncode, e.rules)
		if err == nil {
			_, _, err = e.mat.Pointer(mirror, content)
		}
	case mount.ClassOther, mount.ClassSubtitle:
		_, err = e.mat.Copy(e.sourceFS, local, mirror)
	default:
		return class, nil
	}
	metrics.RecordFile(class.String(), err == nil)
	return class, err
}

// Flush persists the index when dirty.
func (e *Engine) Flush(ctx context.Context) error {
	_, err := e.flush(ctx)
	return err
}

func (e *Engine) flush(ctx context.Context) (bool, error) {
	written, err := e.index.Flush(ctx)
	e.recordFlush(written, err)
	return written, err
}

func (e *Engine) recordFlush(written bool, err error) {
	if written || err != nil {
		metrics.RecordFlush(err == nil)
	}
	metrics.SetIndexSize(e.index.Len())
}

// Start launches the periodic index flusher. Calling Start again is a no-op
// until Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopLoop != nil {
		return
	}
	metrics.SetIndexSize(e.index.Len())
	e.stopLoop = e.index.Start(ctx, e.flushInterval, e.recordFlush)
}

// Close stops the flusher and flushes the index one last time.
func (e *Engine) Close() error {
	e.mu.Lock()
	stop := e.stopLoop
	e.stopLoop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	return e.Flush(context.Background())
}

// Status is a point-in-time view for operators.
type Status struct {
	Mounts    []string `json:"mounts"`
	IndexSize int      `json:"index_size"`
	Dirty     bool     `json:"dirty"`
	Scanning  bool     `json:"scanning"`
	LastScan  *Report  `json:"last_scan,omitempty"`
}

// Status returns the current Status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	var last *Report
	if e.last != nil {
		r := *e.last
		last = &r
	}
	e.mu.Unlock()
	return Status{
		Mounts:    e.mounts.LocalRoots(),
		IndexSize: e.index.Len(),
		Dirty:     e.index.Dirty(),
		Scanning:  e.scanning.Load(),
		LastScan:  last,
	}
}
