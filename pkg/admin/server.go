package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/config"
	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/stores"
	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// Dispatcher runs fn on the engine's dispatch goroutine and returns its
// result. *engine.Runner satisfies it.
type Dispatcher interface {
	Do(ctx context.Context, fn func(context.Context, *engine.Registry) error) error
}

// Server exposes inspection and debug operations on the isolation group
// registry over HTTP. Every registry access goes through the dispatcher.
type Server struct {
	runner   Dispatcher
	ready    engine.ReadinessChecker
	journal  stores.Journal
	metrics  *telemetry.Metrics
	validate *validator.Validate
	logger   zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReadiness reports port readiness in /healthz. The checker is only
// called on the dispatch goroutine.
func WithReadiness(ready engine.ReadinessChecker) Option {
	return func(s *Server) {
		s.ready = ready
	}
}

// WithJournal enables /v1/events and /v1/audit and records an audit entry for
// every mutating request.
func WithJournal(journal stores.Journal) Option {
	return func(s *Server) {
		s.journal = journal
	}
}

// WithMetrics serves metrics at /metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates an admin server for runner.
func New(runner Dispatcher, opts ...Option) *Server {
	s := &Server{
		runner:   runner,
		validate: validator.New(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "admin").Logger()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Post("/", s.createGroup)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getGroup)
				r.Delete("/", s.deleteGroup)
				r.Put("/bind-ports", s.setBindPorts)
				r.Put("/members", s.setMembers)
			})
		})
		r.Get("/events", s.listEvents)
		r.Get("/audit", s.listAudit)
	})

	return r
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, cfg config.AdminConfig) error {
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", cfg.Listen).Msg("Admin server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	s.logger.Info().Msg("Admin server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}
