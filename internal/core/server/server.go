// Package server wires the HTTP surface and runs it until the context ends.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geosync/internal/core/config"
	"github.com/mohammed-shakir/geosync/internal/core/health"
	middleware "github.com/mohammed-shakir/geosync/internal/core/middleware"
	"github.com/mohammed-shakir/geosync/internal/core/router"
)

type Options struct {
	// Metrics serves /metrics; nil falls back to the default registry.
	Metrics http.Handler
	Checks  map[string]health.Check
}

// NewHandler builds the full chi tree: probes, metrics and the /api routes.
func NewHandler(logger *slog.Logger, deps router.Deps, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, opts.Checks))
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	if deps.Log == nil {
		deps.Log = logger
	}
	router.Routes(r, deps)
	return r
}

// Run serves handler on cfg.Addr and shuts down gracefully once ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
