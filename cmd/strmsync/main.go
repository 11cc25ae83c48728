package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/strmsync/pkg/engine"
	"github.com/jacktea/strmsync/pkg/index"
	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/metrics"
	"github.com/jacktea/strmsync/pkg/mount"
	"github.com/jacktea/strmsync/pkg/server/httpapi"
	"github.com/jacktea/strmsync/pkg/server/nfs"
	"github.com/jacktea/strmsync/pkg/snapshot"
	"github.com/jacktea/strmsync/pkg/source"
	"github.com/jacktea/strmsync/pkg/watch"
)

type app struct {
	log    *zap.Logger
	cfg    config
	store  index.Store
	engine *engine.Engine
}

func (a *app) ensureLogger(cfg logging.Config) error {
	if a.log != nil {
		return nil
	}
	log, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = log
	return nil
}

// ensureConfig loads the config and builds the logger it describes.
func (a *app) ensureConfig() error {
	cfg, warnings, err := loadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := a.ensureLogger(cfg.Log); err != nil {
		return err
	}
	for _, w := range warnings {
		a.log.Warn("skipping mount line", zap.Error(w))
	}
	a.cfg = cfg
	return nil
}

func (a *app) openStore() (index.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := index.Open(a.cfg.IndexBackend, a.cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.store = store
	return store, nil
}

// ensureEngine builds the engine from config and loads the persisted index.
// A mapping that fails validation disables only itself.
func (a *app) ensureEngine(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if a.cfg.TreeDir == "" {
		return errors.New("tree_dir is required")
	}
	set, errs := mount.NewSet(a.cfg.Mounts)
	for _, err := range errs {
		a.log.Warn("mount disabled", zap.Error(err))
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	idx := index.New(store, a.log)
	if a.cfg.Rebuild {
		if err := idx.Clear(ctx); err != nil {
			return err
		}
		a.log.Info("index cleared for rebuild")
	} else if err := idx.Load(ctx); err != nil {
		a.log.Warn("index load failed, starting empty", zap.Error(err))
	}
	metrics.SetIndexSize(idx.Len())

	eng, err := engine.New(engine.Options{
		Mounts:        set,
		Fetcher:       source.NewCached(source.NewDir(osfs.New("/"), absPath(a.cfg.TreeDir)), a.cfg.FetchCacheTTL),
		Index:         idx,
		MirrorFS:      osfs.New("/"),
		SourceFS:      osfs.New("/"),
		Classifier:    mount.NewClassifier(a.cfg.classifierOptions()),
		Overwrite:     a.cfg.Overwrite,
		URIEncode:     a.cfg.URIEncode,
		Rules:         a.cfg.Rules,
		Concurrency:   a.cfg.FetchConcurrency,
		FlushInterval: a.cfg.FlushInterval,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}
	a.log.Info("engine ready",
		zap.Int("mounts", set.Len()),
		zap.Int("count", idx.Len()),
		zap.String("index", a.cfg.IndexPath))
	a.engine = eng
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.log.Error("final flush", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "strmsync",
		Short:         "Mirror a cloud drive tree as .strm pointer files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureConfig()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	code := 0
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
	}
	application.close()
	os.Exit(code)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("strmsync")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "strmsync"))
		}
	}
	viper.SetEnvPrefix("STRMSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("index", ".strmsync/index.json", "path of the persisted index (.zst suffix compresses)")
	flags.String("index-backend", index.BackendJSON, "index backend: json|bolt")
	flags.Bool("rebuild", false, "clear the persisted index before syncing")
	flags.String("tree-dir", "", "directory holding the exported remote tree files")
	flags.Bool("overwrite", false, "rewrite pointer files and copies that already exist")
	flags.Bool("uri-encode", false, "percent-encode the remote path in URL templates")
	flags.Bool("copy-files", false, "copy non-media files matching --other-media-ext")
	flags.Bool("copy-subtitles", false, "copy subtitle files next to their pointers")
	flags.String("media-ext", mount.DefaultMediaExtensions, "comma-separated media extensions")
	flags.String("other-media-ext", "", "comma-separated extensions copied when --copy-files is set")
	flags.Duration("fetch-cache-ttl", 0, "reuse fetched trees for this long (0 disables)")
	flags.Duration("flush-interval", index.DefaultFlushInterval, "how often a dirty index is persisted")
	flags.Int("fetch-concurrency", snapshot.DefaultConcurrency, "concurrent remote tree fetches")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")
	flags.String("log-output", "", "log destination (stderr by default)")

	bindConfig("index.path", flags.Lookup("index"))
	bindConfig("index.backend", flags.Lookup("index-backend"))
	bindConfig("index.rebuild", flags.Lookup("rebuild"))
	bindConfig("tree_dir", flags.Lookup("tree-dir"))
	bindConfig("overwrite", flags.Lookup("overwrite"))
	bindConfig("uri_encode", flags.Lookup("uri-encode"))
	bindConfig("copy_files", flags.Lookup("copy-files"))
	bindConfig("copy_subtitles", flags.Lookup("copy-subtitles"))
	bindConfig("media_ext", flags.Lookup("media-ext"))
	bindConfig("other_media_ext", flags.Lookup("other-media-ext"))
	bindConfig("fetch_cache_ttl", flags.Lookup("fetch-cache-ttl"))
	bindConfig("flush_interval", flags.Lookup("flush-interval"))
	bindConfig("fetch_concurrency", flags.Lookup("fetch-concurrency"))
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
	bindConfig("log.output", flags.Lookup("log-output"))
}

func initCommands() {
	rootCmd.AddCommand(
		newScanCmd(),
		newSyncFileCmd(),
		newRunCmd(),
		newIndexCmd(),
		newServeNFSCmd(),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one full scan of every mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := application.ensureEngine(ctx); err != nil {
				return err
			}
			report, err := application.engine.FullScan(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			return err
		},
	}
}

func newSyncFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-file <path>...",
		Short: "Materialize single files below a mount's local root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := application.ensureEngine(ctx); err != nil {
				return err
			}
			return doSyncFiles(ctx, application.engine, args)
		},
	}
}

func doSyncFiles(ctx context.Context, eng *engine.Engine, paths []string) error {
	var errs []error
	for _, p := range paths {
		err := eng.SyncFile(ctx, absPath(p))
		metrics.RecordEvent("cli", err == nil)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := eng.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the mirror in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{
				Watch:        viper.GetBool("run.watch"),
				Debounce:     viper.GetDuration("run.debounce"),
				ScanInterval: viper.GetDuration("scan_interval"),
				ScanOnStart:  viper.GetBool("run.scan_on_start"),
				HTTP: httpServeOptions{
					Addr:       viper.GetString("serve_http.addr"),
					APIKey:     viper.GetString("serve_http.api_key"),
					RateLimit:  viper.GetInt("serve_http.rate_limit"),
					RateWindow: viper.GetDuration("serve_http.rate_window"),
				},
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := application.ensureEngine(ctx); err != nil {
				return err
			}
			return runDaemon(ctx, application.engine, application.log, opts)
		},
	}
	cmd.Flags().Bool("watch", false, "watch local mount roots for new files")
	cmd.Flags().Duration("debounce", watch.DefaultDebounce, "quiet period before a watched file is synced")
	cmd.Flags().Duration("scan-interval", 0, "run a full scan at this interval (0 disables)")
	cmd.Flags().Bool("scan-on-start", true, "run a full scan before waiting for events")
	cmd.Flags().String("http-addr", "", "serve the trigger API on this address (empty disables)")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "API requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("run.watch", cmd.Flags().Lookup("watch"))
	bindConfig("run.debounce", cmd.Flags().Lookup("debounce"))
	bindConfig("scan_interval", cmd.Flags().Lookup("scan-interval"))
	bindConfig("run.scan_on_start", cmd.Flags().Lookup("scan-on-start"))
	bindConfig("serve_http.addr", cmd.Flags().Lookup("http-addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

type runOptions struct {
	Watch        bool
	Debounce     time.Duration
	ScanInterval time.Duration
	ScanOnStart  bool
	HTTP         httpServeOptions
}

// runDaemon drives the engine until ctx is done. The index is flushed on
// exit by app.close.
func runDaemon(ctx context.Context, eng *engine.Engine, log *zap.Logger, opts runOptions) error {
	eng.Start(ctx)
	g, ctx := errgroup.WithContext(ctx)

	if opts.ScanOnStart || opts.ScanInterval > 0 {
		g.Go(func() error {
			scanLoop(ctx, eng, log, opts.ScanOnStart, opts.ScanInterval)
			return nil
		})
	}
	if opts.Watch {
		w, err := watch.New(watch.Options{
			Roots:    eng.Mounts().LocalRoots(),
			Debounce: opts.Debounce,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		g.Go(func() error {
			return w.Run(ctx, func(ctx context.Context, p string) error {
				err := eng.SyncFile(ctx, p)
				metrics.RecordEvent("watch", err == nil)
				return err
			})
		})
	}
	if opts.HTTP.Addr != "" {
		srv := &httpapi.Server{
			Engine: eng,
			Log:    log,
			Opts:   httpapi.Options{APIKey: opts.HTTP.APIKey, RateLimit: opts.HTTP.rateLimit()},
		}
		g.Go(func() error {
			return srv.Start(ctx, opts.HTTP.Addr)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	log.Info("shutting down")
	return err
}

func scanLoop(ctx context.Context, eng *engine.Engine, log *zap.Logger, onStart bool, interval time.Duration) {
	scan := func() {
		if _, err := eng.FullScan(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduled scan", zap.Error(err))
		}
	}
	if onStart {
		scan()
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and maintain the persisted index",
	}
	cmd.AddCommand(newIndexStatsCmd(), newIndexClearCmd(), newIndexMigrateCmd())
	return cmd
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print how many remote paths are indexed per mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := application.openStore()
			if err != nil {
				return err
			}
			paths, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			set, _ := mount.NewSet(application.cfg.Mounts)
			for _, line := range indexStats(paths, set) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// indexStats renders the total followed by one count per mount remote root.
// Paths owned by no mount are counted as unmapped.
func indexStats(paths []string, set *mount.Set) []string {
	counts := make(map[string]int)
	unmapped := 0
	for _, p := range paths {
		owned := false
		for _, m := range set.All() {
			if m.OwnsRemote(p) {
				counts[m.RemoteRoot]++
				owned = true
				break
			}
		}
		if !owned {
			unmapped++
		}
	}
	roots := make([]string, 0, len(counts))
	for _, m := range set.All() {
		roots = append(roots, m.RemoteRoot)
	}
	sort.Strings(roots)
	lines := []string{fmt.Sprintf("total\t%d", len(paths))}
	for _, root := range roots {
		lines = append(lines, fmt.Sprintf("%s\t%d", root, counts[root]))
	}
	if unmapped > 0 {
		lines = append(lines, fmt.Sprintf("unmapped\t%d", unmapped))
	}
	return lines
}

func newIndexClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every indexed path so the next scan rebuilds the mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := application.openStore()
			if err != nil {
				return err
			}
			if err := index.New(store, application.log).Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "index cleared")
			return nil
		},
	}
}

func newIndexMigrateCmd() *cobra.Command {
	var toBackend, toPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the index into another backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if toPath == "" {
				return errors.New("--to-path is required")
			}
			src, err := application.openStore()
			if err != nil {
				return err
			}
			dst, err := index.Open(toBackend, toPath)
			if err != nil {
				return err
			}
			defer dst.Close()
			n, err := index.Migrate(cmd.Context(), src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d paths to %s (%s)\n", n, toPath, toBackend)
			return nil
		},
	}
	cmd.Flags().StringVar(&toBackend, "to-backend", index.BackendBolt, "destination backend: json|bolt")
	cmd.Flags().StringVar(&toPath, "to-path", "", "destination index path")
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Short: "Export a mirror root read-only over NFS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := nfsServeOptions{
				Addr:        viper.GetString("serve_nfs.addr"),
				Root:        viper.GetString("serve_nfs.root"),
				Export:      viper.GetString("serve_nfs.export"),
				HandleCache: viper.GetInt("serve_nfs.handle_cache"),
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runServeNFS(ctx, application.log, opts)
		},
	}
	cmd.Flags().String("addr", nfs.DefaultAddr, "listen address")
	cmd.Flags().String("root", "", "mirror directory to export")
	cmd.Flags().String("export", "/", "path below --root presented to clients")
	cmd.Flags().Int("handle-cache", 1024, "number of cached NFS file handles")
	bindConfig("serve_nfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_nfs.root", cmd.Flags().Lookup("root"))
	bindConfig("serve_nfs.export", cmd.Flags().Lookup("export"))
	bindConfig("serve_nfs.handle_cache", cmd.Flags().Lookup("handle-cache"))
	return cmd
}

func runServeNFS(ctx context.Context, log *zap.Logger, opt nfsServeOptions) error {
	if opt.Root == "" {
		return errors.New("serve-nfs: --root is required")
	}
	return nfs.ServeDir(ctx, absPath(opt.Root), opt.Addr, nfs.Options{
		Export:      opt.Export,
		HandleCache: opt.HandleCache,
		Logger:      log,
	})
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
