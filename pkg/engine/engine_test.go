package engine

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/strmsync/pkg/format"
	"github.com/jacktea/strmsync/pkg/index"
	"github.com/jacktea/strmsync/pkg/mount"
	"github.com/jacktea/strmsync/pkg/source"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

func export(base string, files ...string) string {
	sort.Strings(files)
	var b strings.Builder
	b.WriteString("|——" + path.Base(base) + "\n| |-" + path.Base(base) + "\n")
	for _, f := range files {
		segs := strings.Split(strings.TrimPrefix(f, base+"/"), "/")
		for i, s := range segs {
			b.WriteString(strings.Repeat("| ", i+2) + "|-" + s + "\n")
		}
	}
	return b.String()
}

type fixture struct {
	engine *Engine
	store  *index.MemoryStore
	mirror billy.Filesystem
	src    billy.Filesystem
	mu     sync.Mutex
	trees  map[string]string
}

func (f *fixture) setTree(root, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[root] = content
}

func newFixture(t *testing.T, overwrite bool) *fixture {
	t.Helper()
	return newFixtureOn(t, memfs.New(), overwrite)
}

func newFixtureOn(t *testing.T, mirror billy.Filesystem, overwrite bool) *fixture {
	t.Helper()
	set, errs := mount.NewSet([]mount.Mapping{
		{LocalRoot: "/mnt/115/Movies", MirrorRoot: "/strm/Movies", RemoteRoot: "/Movies", Template: "{local_file}"},
		{LocalRoot: "/mnt/115/TV", MirrorRoot: "/strm/TV", RemoteRoot: "/TV", Template: "http://alist:5244/d{cloud_file}"},
	})
	if len(errs) != 0 {
		t.Fatalf("mounts: %v", errs)
	}
	f := &fixture{
		store:  index.NewMemoryStore(),
		mirror: mirror,
		src:    memfs.New(),
		trees:  map[string]string{},
	}
	fetcher := source.Func(func(ctx context.Context, root string) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		content, ok := f.trees[root]
		if !ok {
			return "", errors.New("no export")
		}
		return content, nil
	})
	eng, err := New(Options{
		Mounts:   set,
		Fetcher:  fetcher,
		Index:    index.New(f.store, nil),
		MirrorFS: f.mirror,
		SourceFS: f.src,
		Classifier: mount.NewClassifier(mount.ClassifierOptions{
			OtherExtensions: ".nfo",
			CopyOther:       true,
			CopySubtitles:   true,
		}),
		Overwrite: overwrite,
		Rules:     format.Rules{{From: "alist:5244", To: "alist.lan"}},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = eng
	return f
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := util.ReadFile(f.mirror, name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestFullScanMaterializes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/Alien (1979)/Alien.mkv", "/Movies/Alien (1979)/Alien.srt", "/Movies/readme.txt"))
	f.setTree("/TV", export("/TV", "/TV/Show/S01E01.mkv"))
	if err := util.WriteFile(f.src, "/mnt/115/Movies/Alien (1979)/Alien.srt", []byte("subs"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rep, err := f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.New != 4 || rep.Processed != 3 || rep.Ignored != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report %s", rep)
	}
	if got := f.read(t, "/strm/Movies/Alien (1979)/Alien.strm"); got != "/mnt/115/Movies/Alien (1979)/Alien.mkv" {
		t.Fatalf("movie pointer = %q", got)
	}
	if got := f.read(t, "/strm/Movies/Alien (1979)/Alien.srt"); got != "subs" {
		t.Fatalf("subtitle copy = %q", got)
	}
	if got := f.read(t, "/strm/TV/Show/S01E01.strm"); got != "http://alist.lan/d/TV/Show/S01E01.mkv" {
		t.Fatalf("tv pointer = %q", got)
	}
	if _, err := f.mirror.Stat("/strm/Movies/readme.txt"); err == nil {
		t.Fatalf("ignored file should not be mirrored")
	}
	if f.engine.Index().Dirty() || f.store.Saves() != 1 {
		t.Fatalf("expected the scan to flush once, saves=%d", f.store.Saves())
	}
}

func TestFullScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/a.mkv", "/Movies/b.mkv"))
	f.setTree("/TV", export("/TV", "/TV/c.mkv"))
	if _, err := f.engine.FullScan(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	first := f.read(t, "/strm/Movies/a.strm")

	rep, err := f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if rep.New != 0 || rep.Processed != 0 {
		t.Fatalf("second scan should find nothing, got %s", rep)
	}
	if f.read(t, "/strm/Movies/a.strm") != first {
		t.Fatalf("pointer changed between scans")
	}
	if f.store.Saves() != 1 {
		t.Fatalf("clean index should not be flushed again, saves=%d", f.store.Saves())
	}

	f.setTree("/TV", export("/TV", "/TV/c.mkv", "/TV/d.mkv"))
	rep, err = f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if rep.New != 1 || rep.Processed != 1 {
		t.Fatalf("expected only the added file, got %s", rep)
	}
}

func TestFullScanKeepsExistingPointers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/a.mkv"))
	if err := util.WriteFile(f.mirror, "/strm/Movies/a.strm", []byte("hand edited"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rep, err := f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Processed != 1 {
		t.Fatalf("existing pointer should count as processed, got %s", rep)
	}
	if got := f.read(t, "/strm/Movies/a.strm"); got != "hand edited" {
		t.Fatalf("pointer overwritten: %q", got)
	}

	g := newFixture(t, true)
	g.setTree("/Movies", export("/Movies", "/Movies/a.mkv"))
	if err := util.WriteFile(g.mirror, "/strm/Movies/a.strm", []byte("hand edited"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := g.engine.FullScan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := g.read(t, "/strm/Movies/a.strm"); got != "/mnt/115/Movies/a.mkv" {
		t.Fatalf("overwrite on: pointer = %q", got)
	}
}

func TestFullScanRetriesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/a.nfo"))
	rep, err := f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.Failed != 1 || f.engine.Index().Has("/Movies/a.nfo") {
		t.Fatalf("missing source should fail and stay unindexed, got %s", rep)
	}
	if len(rep.FetchFailed) != 1 || rep.FetchFailed[0] != "/mnt/115/TV" {
		t.Fatalf("fetch failures = %v", rep.FetchFailed)
	}

	if err := util.WriteFile(f.src, "/mnt/115/Movies/a.nfo", []byte("<movie/>"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rep, err = f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if rep.New != 1 || rep.Processed != 1 {
		t.Fatalf("expected retry to succeed, got %s", rep)
	}
}

func TestFullScanCanceled(t *testing.T) {
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/a.mkv"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.FullScan(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSyncFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	if err := f.engine.SyncFile(ctx, "/mnt/115/TV/Show/S01E02.mkv"); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	if got := f.read(t, "/strm/TV/Show/S01E02.strm"); got != "http://alist.lan/d/TV/Show/S01E02.mkv" {
		t.Fatalf("pointer = %q", got)
	}
	idx := f.engine.Index()
	if !idx.Has("/TV/Show/S01E02.mkv") || !idx.Dirty() {
		t.Fatalf("expected remote path indexed and dirty")
	}
	if f.store.Saves() != 0 {
		t.Fatalf("sync file must not flush")
	}

	if err := f.engine.SyncFile(ctx, "/mnt/115/TV/Show/notes.txt"); err != nil {
		t.Fatalf("ignored file: %v", err)
	}
	if idx.Has("/TV/Show/notes.txt") {
		t.Fatalf("ignored file should not be indexed")
	}

	err := f.engine.SyncFile(ctx, "/mnt/115/TVShows/x.mkv")
	if !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found for unmatched path, got %v", err)
	}
}

func TestSyncFileStaysUnderMirrorRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	err := f.engine.SyncFile(ctx, "/mnt/115/Movies/../../../etc/evil.mkv")
	if !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found for path leaving the mount, got %v", err)
	}
	if _, err := f.mirror.Stat("/etc/evil.strm"); err == nil {
		t.Fatalf("pointer written outside the mirror root")
	}
	if f.engine.Index().Len() != 0 {
		t.Fatalf("escaping path was indexed")
	}

	err = f.engine.SyncFile(ctx, "mnt/115/Movies/a.mkv")
	if !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid for relative path, got %v", err)
	}

	if err := f.engine.SyncFile(ctx, "/mnt/115/Movies/x/../Heat.mkv"); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	if got := f.read(t, "/strm/Movies/Heat.strm"); got != "/mnt/115/Movies/Heat.mkv" {
		t.Fatalf("pointer = %q", got)
	}
	if !f.engine.Index().Has("/Movies/Heat.mkv") {
		t.Fatalf("cleaned remote path not indexed")
	}
}

func TestSyncFileThenScanSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	if err := f.engine.SyncFile(ctx, "/mnt/115/Movies/a.mkv"); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	f.setTree("/Movies", export("/Movies", "/Movies/a.mkv"))
	rep, err := f.engine.FullScan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rep.New != 0 {
		t.Fatalf("already synced file reported new: %s", rep)
	}
	if f.engine.Index().Dirty() {
		t.Fatalf("scan should flush the dirty index")
	}
}

func TestConcurrentScanAndEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixtureOn(t, osfs.New(t.TempDir()), false)
	var files []string
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files = append(files, "/Movies/"+n+".mkv")
	}
	f.setTree("/Movies", export("/Movies", files...))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.FullScan(ctx); err != nil {
				t.Errorf("scan: %v", err)
			}
		}()
	}
	for _, remote := range files {
		wg.Add(1)
		go func(remote string) {
			defer wg.Done()
			if err := f.engine.SyncFile(ctx, "/mnt/115"+remote); err != nil {
				t.Errorf("sync %s: %v", remote, err)
			}
		}(remote)
	}
	wg.Wait()

	for _, remote := range files {
		name := "/strm" + strings.TrimSuffix(remote, ".mkv") + ".strm"
		if got := f.read(t, name); got != "/mnt/115"+remote {
			t.Fatalf("%s = %q", name, got)
		}
		if !f.engine.Index().Has(remote) {
			t.Fatalf("%s not indexed", remote)
		}
	}
	infos, err := f.mirror.ReadDir("/strm/Movies")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(infos) != len(files) {
		t.Fatalf("expected %d pointers and no temp files, got %d entries", len(files), len(infos))
	}
}

func TestStartCloseFlushes(t *testing.T) {
	f := newFixture(t, false)
	f.engine.flushInterval = time.Hour
	f.engine.Start(context.Background())
	f.engine.Start(context.Background())
	if err := f.engine.SyncFile(context.Background(), "/mnt/115/Movies/a.mkv"); err != nil {
		t.Fatalf("sync file: %v", err)
	}
	if err := f.engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.store.Saves() != 1 {
		t.Fatalf("close should flush once, saves=%d", f.store.Saves())
	}
	got, _ := f.store.Load(context.Background())
	if len(got) != 1 || got[0] != "/Movies/a.mkv" {
		t.Fatalf("persisted %v", got)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	f.setTree("/Movies", export("/Movies", "/Movies/a.mkv"))
	if _, err := f.engine.FullScan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	st := f.engine.Status()
	if st.IndexSize != 1 || st.Dirty || st.Scanning || st.LastScan == nil || st.LastScan.New != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Mounts) != 2 {
		t.Fatalf("mounts = %v", st.Mounts)
	}
}

func TestNewRequiresMountsAndFetcher(t *testing.T) {
	if _, err := New(Options{}); !xerrors.Is(err, xerrors.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	set, _ := mount.NewSet([]mount.Mapping{{LocalRoot: "/l", MirrorRoot: "/m", RemoteRoot: "/r", Template: "{local_file}"}})
	if _, err := New(Options{Mounts: set}); !xerrors.Is(err, xerrors.KindConfig) {
		t.Fatalf("expected config error without fetcher, got %v", err)
	}
}

func TestFormatElapsed(t *testing.T) {
	testcases := map[time.Duration]string{
		1500 * time.Millisecond: "1.50s",
		59 * time.Second:        "59.00s",
		90 * time.Second:        "1m 30.00s",
		(125*time.Second + 250*time.Millisecond): "2m 5.25s",
	}
	for in, want := range testcases {
		if got := FormatElapsed(in); got != want {
			t.Fatalf("FormatElapsed(%v) = %q, want %q", in, got, want)
		}
	}
}
