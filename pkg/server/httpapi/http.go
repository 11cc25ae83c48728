// Package httpapi exposes scan and notify triggers for a sync engine over
// HTTP+JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/strmsync/pkg/engine"
	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/metrics"
	"github.com/jacktea/strmsync/pkg/server/middleware"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// Engine is the part of engine.Engine the API drives.
type Engine interface {
	FullScan(ctx context.Context) (engine.Report, error)
	SyncFile(ctx context.Context, localPath string) error
	Flush(ctx context.Context) error
	Status() engine.Status
}

// Server exposes Engine over HTTP.
type Server struct {
	Engine Engine
	Log    *zap.Logger
	Opts   Options

	// base scopes background scans; Start sets it to its own ctx.
	base  context.Context
	scans sync.WaitGroup
}

// Options configure auth and rate limiting of the /api routes.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Start begins listening on addr until ctx is canceled. Background scans are
// canceled with ctx and waited for before Start returns.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.base = ctx
	defer s.scans.Wait()
	srv := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.log().Info("http api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) log() *zap.Logger { return logging.OrNop(s.Log) }

func (s *Server) router() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/scan", s.handleScan)
	api.HandleFunc("/api/notify", s.handleNotify)
	api.HandleFunc("/api/status", s.handleStatus)
	api.HandleFunc("/api/flush", s.handleFlush)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/api/", s.applyMiddleware(api))
	return middleware.Wrap(mux, middleware.Recover(s.Log))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if isTrue(r.URL.Query().Get("async")) {
		ctx := s.base
		if ctx == nil {
			ctx = context.Background()
		}
		s.scans.Add(1)
		go func() {
			defer s.scans.Done()
			if _, err := s.Engine.FullScan(ctx); err != nil {
				s.log().Error("scan", zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}
	report, err := s.Engine.FullScan(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type notifyPayload struct {
	Path  string   `json:"path"`
	Paths []string `json:"paths"`
}

type notifyResult struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// handleNotify syncs the local paths named by the body or the path query
// parameter. The response carries one result per path; the status is that of
// the first failure, or 200.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var payload notifyPayload
	if q := r.URL.Query()["path"]; len(q) > 0 {
		payload.Paths = q
	} else if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	paths := payload.Paths
	if payload.Path != "" {
		paths = append([]string{payload.Path}, paths...)
	}
	if len(paths) == 0 {
		http.Error(w, "no path given", http.StatusBadRequest)
		return
	}
	results := make([]notifyResult, 0, len(paths))
	var firstErr error
	for _, p := range paths {
		p = strings.TrimSpace(p)
		err := s.Engine.SyncFile(r.Context(), p)
		metrics.RecordEvent("http", err == nil)
		res := notifyResult{Path: p}
		if err != nil {
			s.log().Warn("notify", zap.String("path", p), zap.Error(err))
			res.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		}
		results = append(results, res)
	}
	status := http.StatusOK
	if firstErr != nil {
		status = statusFor(firstErr)
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.Engine.Flush(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	limit := s.Opts.RateLimit
	if limit.OnLimit == nil {
		limit.OnLimit = func(*http.Request) { metrics.RecordRateLimitHit() }
	}
	return middleware.Wrap(handler,
		metrics.Middleware,
		middleware.AccessLog(s.Log),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(limit),
	)
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindInvalid, xerrors.KindConfig, xerrors.KindParse:
		return http.StatusBadRequest
	case xerrors.KindFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
