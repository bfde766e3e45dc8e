// Package api is the HTTP surface the renderer uses to run scripts, read the
// run log, call host commands and follow host events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/runlog"
	"github.com/yasumu/tanxium/internal/runtime"
	"github.com/yasumu/tanxium/internal/scriptctx"
)

// ScriptExecutor runs scripts.
type ScriptExecutor interface {
	ExecuteScript(ctx context.Context, req runtime.ExecuteRequest) (*scriptctx.ExecutionResult, error)
}

// RunStore reads the run log.
type RunStore interface {
	Get(ctx context.Context, id string) (*runlog.Run, error)
	List(ctx context.Context, workspaceID string, limit int) ([]runlog.Run, error)
}

// CommandInvoker dispatches host commands by name.
type CommandInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Readiness is the host readiness flag.
type Readiness interface {
	IsReady() bool
	MarkReady()
}

// WorkerLister reports the live workers.
type WorkerLister interface {
	Keys() []string
}

// EnvironmentStore reads and replaces stored environments.
type EnvironmentStore interface {
	Get(ctx context.Context, id string) (*scriptctx.EnvironmentData, error)
	Put(ctx context.Context, env *scriptctx.EnvironmentData) error
}

// BridgeStats reports the pre-readiness event buffers.
type BridgeStats interface {
	Buffered() (console, events int)
	Dropped() (console, events int)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token required on every route but /healthz.
	// Empty disables authentication.
	APIKey string
}

// Deps are the services behind the routes.
type Deps struct {
	Scripts      ScriptExecutor
	Runs         RunStore
	Environments EnvironmentStore
	Commands     CommandInvoker
	Readiness    Readiness
	Bridge       BridgeStats
	Workers      WorkerLister
	Events       *events.Hub
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(0)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Script calls may run for the full execution timeout.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/scripts/execute", s.handleExecute)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/workspaces/{workspaceID}/runs", s.handleListRuns)
		r.Get("/environments/{environmentID}", s.handleGetEnvironment)
		r.Put("/environments/{environmentID}", s.handlePutEnvironment)
		r.Post("/rpc/{command}", s.handleCommand)
		r.Post("/ready", s.handleReady)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
