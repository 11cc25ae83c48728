package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jacktea/strmsync/pkg/format"
	"github.com/jacktea/strmsync/pkg/index"
	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/mount"
	"github.com/jacktea/strmsync/pkg/server/middleware"
)

type config struct {
	Mounts []mount.Mapping

	IndexPath    string
	IndexBackend string
	Rebuild      bool

	Overwrite     bool
	URIEncode     bool
	CopyFiles     bool
	CopySubtitles bool
	MediaExt      string
	OtherExt      string
	Rules         format.Rules

	TreeDir          string
	FetchCacheTTL    time.Duration
	FlushInterval    time.Duration
	FetchConcurrency int

	Log logging.Config
}

// loadConfig reads the sync settings from v. Mounts come from the structured
// "mounts" list followed by the compact "monitor_confs" lines; lines that do
// not parse are returned as warnings and skipped.
func loadConfig(v *viper.Viper) (config, []error, error) {
	cfg := config{
		IndexPath:        v.GetString("index.path"),
		IndexBackend:     strings.ToLower(strings.TrimSpace(v.GetString("index.backend"))),
		Rebuild:          v.GetBool("index.rebuild"),
		Overwrite:        v.GetBool("overwrite"),
		URIEncode:        v.GetBool("uri_encode"),
		CopyFiles:        v.GetBool("copy_files"),
		CopySubtitles:    v.GetBool("copy_subtitles"),
		MediaExt:         v.GetString("media_ext"),
		OtherExt:         v.GetString("other_media_ext"),
		Rules:            format.ParseRules(stringLines(v, "path_replacements")),
		TreeDir:          v.GetString("tree_dir"),
		FetchCacheTTL:    v.GetDuration("fetch_cache_ttl"),
		FlushInterval:    v.GetDuration("flush_interval"),
		FetchConcurrency: v.GetInt("fetch_concurrency"),
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			OutputPath: v.GetString("log.output"),
		},
	}
	switch cfg.IndexBackend {
	case "", index.BackendJSON, index.BackendBolt:
	default:
		return cfg, nil, fmt.Errorf("index.backend must be %q or %q, got %q", index.BackendJSON, index.BackendBolt, cfg.IndexBackend)
	}
	if cfg.IndexPath == "" {
		return cfg, nil, fmt.Errorf("index.path is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = index.DefaultFlushInterval
	}

	var structured []mount.Mapping
	if err := v.UnmarshalKey("mounts", &structured); err != nil {
		return cfg, nil, fmt.Errorf("mounts: %w", err)
	}
	var warnings []error
	for _, m := range structured {
		m.LocalRoot = strings.TrimSpace(m.LocalRoot)
		m.MirrorRoot = strings.TrimSpace(m.MirrorRoot)
		m.RemoteRoot = strings.TrimSpace(m.RemoteRoot)
		m.Template = strings.TrimSpace(m.Template)
		cfg.Mounts = append(cfg.Mounts, m)
	}
	compact, errs := mount.ParseLines(stringLines(v, "monitor_confs"))
	cfg.Mounts = append(cfg.Mounts, compact...)
	warnings = append(warnings, errs...)
	return cfg, warnings, nil
}

// stringLines returns key as newline-separated text whether it was configured
// as one block string or as a list.
func stringLines(v *viper.Viper, key string) string {
	switch raw := v.Get(key).(type) {
	case nil:
		return ""
	case string:
		return raw
	case []string:
		return strings.Join(raw, "\n")
	case []any:
		lines := make([]string, 0, len(raw))
		for _, item := range raw {
			lines = append(lines, fmt.Sprint(item))
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprint(raw)
	}
}

func (c config) classifierOptions() mount.ClassifierOptions {
	return mount.ClassifierOptions{
		MediaExtensions: c.MediaExt,
		OtherExtensions: c.OtherExt,
		CopyOther:       c.CopyFiles,
		CopySubtitles:   c.CopySubtitles,
	}
}

type httpServeOptions struct {
	Addr       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

func (o httpServeOptions) rateLimit() middleware.RateLimitOptions {
	if o.RateLimit <= 0 {
		return middleware.RateLimitOptions{}
	}
	return middleware.RateLimitOptions{Requests: o.RateLimit, Window: o.RateWindow}
}

type nfsServeOptions struct {
	Addr        string
	Root        string
	Export      string
	HandleCache int
}
