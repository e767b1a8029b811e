// Package server exposes the task lifecycle over HTTP: submission, status,
// listing, result retrieval, pipeline introspection, and the operational
// endpoints (health, readiness, metrics).
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
	"github.com/Sumatoshi-tech/surveyforge/internal/observability"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// TaskManager is the slice of the manager the HTTP surface needs.
type TaskManager interface {
	Submit(ctx context.Context, params map[string]any) (*manager.Submission, error)
	PipelineStatus(ctx context.Context) (*manager.Status, error)
}

// Config carries the HTTP server settings.
type Config struct {
	Addr string

	// AuthToken guards task submission when non-empty.
	AuthToken string

	// OutputDir is the fallback location for result files when the result
	// store has no record.
	OutputDir string

	// ReadTimeout and WriteTimeout bound request handling. Zero values fall
	// back to 30s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Middleware wraps the whole route tree, typically with tracing and RED
	// metrics. Nil means no wrapping.
	Middleware func(http.Handler) http.Handler
}

const defaultHTTPTimeout = 30 * time.Second

// Server is the surveyforge HTTP API.
type Server struct {
	cfg      Config
	mgr      TaskManager
	registry task.Registry
	results  resultstore.Store
	logger   *slog.Logger
	router   *mux.Router
	http     *http.Server
}

// New builds the server and its routes. metrics may be nil, in which case
// /metrics serves a fresh prometheus handler.
func New(cfg Config, mgr TaskManager, registry task.Registry, results resultstore.Store, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultHTTPTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultHTTPTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	if metrics == nil {
		handler, err := observability.PrometheusHandler()
		if err != nil {
			return nil, err
		}

		metrics = handler
	}

	s := &Server{
		cfg:      cfg,
		mgr:      mgr,
		registry: registry,
		results:  results,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.routes(metrics)

	handler := http.Handler(s.router)
	if cfg.Middleware != nil {
		handler = cfg.Middleware(handler)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))

	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes(metrics http.Handler) {
	api := s.router.PathPrefix("/api").Subrouter()

	api.Handle("/task/submit", s.requireAuth(http.HandlerFunc(s.handleSubmit))).Methods(http.MethodPost)
	api.HandleFunc("/task/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/task/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/task/{id}/pipeline_status", s.handleTaskPipelineStatus).Methods(http.MethodGet)
	api.HandleFunc("/global_pipeline_status", s.handleGlobalPipelineStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/output/{id}", s.handleOutput).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.Handle("/healthz", observability.HealthHandler()).Methods(http.MethodGet)
	s.router.Handle("/readyz", observability.ReadyHandler(
		observability.Check{Name: "registry", Probe: s.registry.HealthCheck},
		observability.Check{Name: "result_store", Probe: s.results.HealthCheck},
	)).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
}

// requireAuth enforces the bearer token on mutating endpoints when one is
// configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
				writeError(rw, http.StatusUnauthorized, "invalid or missing token")

				return
			}
		}

		next.ServeHTTP(rw, r)
	})
}
