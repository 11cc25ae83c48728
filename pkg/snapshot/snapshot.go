// Package snapshot computes which remote files are new relative to the path
// index.
package snapshot

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/mount"
	"github.com/jacktea/strmsync/pkg/source"
	"github.com/jacktea/strmsync/pkg/tree"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// DefaultConcurrency bounds concurrent tree fetches.
const DefaultConcurrency = 2

// Known is the read side of the path index.
type Known interface {
	Snapshot() map[string]struct{}
}

// Options configure a Differ.
type Options struct {
	Concurrency int
	Logger      *zap.Logger
}

// Differ fetches and parses every mount's tree and diffs it against the index.
type Differ struct {
	concurrency int
	log         *zap.Logger
}

// New returns a Differ.
func New(opts Options) *Differ {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Differ{concurrency: opts.Concurrency, log: logging.OrNop(opts.Logger)}
}

// Result holds the outcome of one Diff.
type Result struct {
	// PerMount maps a mount's local root to its new remote paths, sorted.
	// Mounts without new paths are absent.
	PerMount map[string][]string
	// Total is the number of new paths across all mounts.
	Total int
	// Seen is the number of distinct file paths in all fetched trees.
	Seen int
	// Failed lists the local roots whose tree could not be fetched.
	Failed []string
}

// Empty reports whether nothing is new.
func (r Result) Empty() bool { return r.Total == 0 }

type mountTree struct {
	files map[string]struct{}
	ok    bool
}

// Diff fetches every mount's tree, outside any lock, and returns the files not
// present in known. A mount whose fetch fails is logged and contributes
// nothing; the others proceed. Only context cancellation fails the call.
func (d *Differ) Diff(ctx context.Context, mounts []mount.Mapping, fetcher source.Fetcher, known Known) (Result, error) {
	trees := make([]mountTree, len(mounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, m := range mounts {
		i, m := i, m
		g.Go(func() error {
			files, err := d.fetch(gctx, m, fetcher)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				d.log.Warn("tree fetch failed",
					zap.String("mount", m.LocalRoot), zap.String("remote", m.RemoteRoot), zap.Error(err))
				return nil
			}
			trees[i] = mountTree{files: files, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	seen := make(map[string]struct{})
	for _, t := range trees {
		for p := range t.files {
			seen[p] = struct{}{}
		}
	}
	present := known.Snapshot()

	res := Result{PerMount: make(map[string][]string), Seen: len(seen)}
	for i, m := range mounts {
		if !trees[i].ok {
			res.Failed = append(res.Failed, m.LocalRoot)
			continue
		}
		var fresh []string
		for p := range trees[i].files {
			if _, ok := present[p]; !ok {
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		sort.Strings(fresh)
		res.PerMount[m.LocalRoot] = fresh
		res.Total += len(fresh)
	}
	sort.Strings(res.Failed)
	return res, nil
}

func (d *Differ) fetch(ctx context.Context, m mount.Mapping, fetcher source.Fetcher) (map[string]struct{}, error) {
	content, err := fetcher.Fetch(ctx, m.RemoteRoot)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFetch, "fetch tree", m.RemoteRoot, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, xerrors.E(xerrors.KindFetch, "fetch tree: empty export", m.RemoteRoot)
	}
	files := make(map[string]struct{})
	skipped := 0
	for p := range tree.Files(content, m.RemoteRoot) {
		if !m.OwnsRemote(p) {
			skipped++
			continue
		}
		files[p] = struct{}{}
	}
	if skipped > 0 {
		d.log.Debug("paths outside remote root ignored",
			zap.String("mount", m.LocalRoot), zap.Int("count", skipped))
	}
	return files, nil
}
