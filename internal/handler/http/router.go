package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/riverbulk/pkg/health"
	"github.com/utafrali/riverbulk/pkg/middleware"
)

// RouterConfig controls the optional parts of the admin router.
type RouterConfig struct {
	ServiceName string
	// RequestTimeout caps non-flush requests.
	RequestTimeout time.Duration
	// PprofAllowedCIDRs enables /debug/pprof for these networks when non-empty.
	PprofAllowedCIDRs []string
}

// NewRouter creates a chi router with the river admin routes registered.
func NewRouter(
	cfg RouterConfig,
	river *RiverHandler,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "riverbulk"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger, river.river))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	if len(cfg.PprofAllowedCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)
	}

	r.Route("/api/v1/river", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			r.Get("/status", river.Status)
			r.Put("/status", river.SetStatus)
			r.Get("/targets/{index}/{type}/counters", river.Counters)
			r.Post("/targets/{index}/{type}/reindex", river.Reindex)
		})

		// Flush carries its own timeout from the request body.
		r.Post("/targets/{index}/{type}/flush", river.Flush)
	})

	return r
}
