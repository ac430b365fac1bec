package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/auth"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/queue"
)

// Changes is the engine surface the API serves.
type Changes interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (id string, duplicate bool, err error)
	Cancel(ctx context.Context, id, actor string) (*queue.ChangeRequest, error)
	Get(ctx context.Context, id string) (*queue.ChangeRequest, error)
	List(ctx context.Context, f queue.Filter) ([]queue.ChangeRequest, error)
	Counts(ctx context.Context) (map[queue.Status]int, error)
	History(ctx context.Context, id string) ([]audit.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	authn     *auth.Authenticator
	changes   Changes
	events    *events.Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. gatherer may be nil, in which case
// /metrics is not served.
func New(config Config, changes Changes, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		authn:     auth.NewAuthenticator(config.APIKey, config.Tokens),
		changes:   changes,
		events:    hub,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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
		return nil
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

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/changes", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeChangesWrite)).Post("/", s.handleSubmit)
			r.With(s.requireScopes(auth.ScopeChangesRead)).Get("/", s.handleList)
			r.With(s.requireScopes(auth.ScopeChangesRead)).Get("/{id}", s.handleGet)
			r.With(s.requireScopes(auth.ScopeChangesRead)).Get("/{id}/history", s.handleHistory)
			r.With(s.requireScopes(auth.ScopeChangesWrite)).Post("/{id}/cancel", s.handleCancel)
		})
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
