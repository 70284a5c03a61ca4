package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/dispatcher"
	"github.com/JakeFAU/story-pipeline/internal/scheduler"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// Scanner queues scan jobs.
type Scanner interface {
	ScanAll(ctx context.Context) (int, error)
	ScanOne(ctx context.Context, id string) error
}

// Consumers controls the queue consumers.
type Consumers interface {
	Start(ctx context.Context, queue string) (bool, error)
	Stop(queue string) (bool, error)
	Statuses() []dispatcher.Status
}

// CacheFlusher clears dedup markers and cached responses.
type CacheFlusher interface {
	FlushPattern(ctx context.Context, pattern string) (int, error)
	FlushAll(ctx context.Context) error
}

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

// Config controls auth and timeouts.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// BackgroundTimeout bounds work started by a request.
	BackgroundTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler, dispatcher, and cache.
type Server struct {
	router    chi.Router
	cfg       Config
	scanner   Scanner
	consumers Consumers
	cache     CacheFlusher
	checks    map[string]ReadyCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. checks are run by
// /readyz.
func NewServer(
	cfg Config,
	scanner Scanner,
	consumers Consumers,
	cache CacheFlusher,
	checks map[string]ReadyCheck,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 10 * time.Minute
	}
	s := &Server{
		cfg:       cfg,
		scanner:   scanner,
		consumers: consumers,
		cache:     cache,
		checks:    checks,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(requireAPIKey(cfg.APIKey))
		}
		r.Get("/scan", s.scan)
		r.Post("/scan", s.scan)
		r.Route("/consumers", func(r chi.Router) {
			r.Get("/", s.listConsumers)
			r.Post("/{queue}/start", s.startConsumer)
			r.Post("/{queue}/stop", s.stopConsumer)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Post("/flush", s.flushPattern)
			r.Post("/flush-all", s.flushAll)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	failures := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// scan queues one source when ?source= is given, otherwise every source in the
// background.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner unavailable")
		return
	}
	if id := r.URL.Query().Get("source"); id != "" {
		err := s.scanner.ScanOne(r.Context(), id)
		switch {
		case errors.Is(err, scheduler.ErrUnknownSource):
			writeError(w, http.StatusNotFound, "source not found")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "source": id})
		}
		return
	}
	s.background(r, "scan", func(ctx context.Context) error {
		queued, err := s.scanner.ScanAll(ctx)
		s.logger.Info("scan jobs queued", zap.Int("queued", queued))
		return err
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan started"})
}

func (s *Server) listConsumers(w http.ResponseWriter, _ *http.Request) {
	if s.consumers == nil {
		writeError(w, http.StatusServiceUnavailable, "consumers unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": s.consumers.Statuses()})
}

func (s *Server) startConsumer(w http.ResponseWriter, r *http.Request) {
	if s.consumers == nil {
		writeError(w, http.StatusServiceUnavailable, "consumers unavailable")
		return
	}
	name := chi.URLParam(r, "queue")
	started, err := s.consumers.Start(r.Context(), name)
	switch {
	case errors.Is(err, dispatcher.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, "queue not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !started:
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "already running"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"queue": name, "status": "started"})
	}
}

// stopConsumer signals the consumer and returns without waiting for its
// current job to finish.
func (s *Server) stopConsumer(w http.ResponseWriter, r *http.Request) {
	if s.consumers == nil {
		writeError(w, http.StatusServiceUnavailable, "consumers unavailable")
		return
	}
	name := chi.URLParam(r, "queue")
	var (
		known   bool
		running bool
	)
	for _, st := range s.consumers.Statuses() {
		if st.Queue == name {
			known, running = true, st.Running
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}
	if !running {
		writeJSON(w, http.StatusOK, map[string]string{"queue": name, "status": "not running"})
		return
	}
	go func() {
		if _, err := s.consumers.Stop(name); err != nil {
			s.logger.Warn("stop consumer", zap.String("queue", name), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"queue": name, "status": "stopping"})
}

func (s *Server) flushPattern(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern required")
		return
	}
	s.background(r, "cache flush", func(ctx context.Context) error {
		n, err := s.cache.FlushPattern(ctx, pattern)
		s.logger.Info("cache keys flushed", zap.String("pattern", pattern), zap.Int("deleted", n))
		return err
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush started", "pattern": pattern})
}

func (s *Server) flushAll(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	s.background(r, "cache flush-all", s.cache.FlushAll)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush started"})
}

// background runs fn detached from the request so it outlives the response.
func (s *Server) background(r *http.Request, name string, fn func(ctx context.Context) error) {
	ctx := context.WithoutCancel(r.Context())
	reqID := RequestID(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.BackgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error(name+" failed", zap.String("request_id", reqID), zap.Error(err))
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
