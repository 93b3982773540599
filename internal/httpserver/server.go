// Package httpserver exposes the environment status over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type requestLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Server struct {
	addr      string
	logger    requestLogger
	checker   Checker
	revisions RevisionReader
	metrics   http.Handler
}

func New(addr string, logger requestLogger, checker Checker, revisions RevisionReader, metrics http.Handler) *Server {
	return &Server{
		addr:      addr,
		logger:    logger,
		checker:   checker,
		revisions: revisions,
		metrics:   metrics,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		s.logger.Error("http server failed", "error", err)
		return err
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(RequestLogger(s.logger))

	r.Method(http.MethodGet, "/health", HealthHandler{Checker: s.checker})
	r.Method(http.MethodGet, "/revision", RevisionHandler{Revisions: s.revisions, Timeout: 10 * time.Second})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}
