// Package api provides the operational HTTP surface: health, readiness,
// upstream provider state, cache counters, and the aggregated error report.
// The calendar itself is served from disk, not from here.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/erragg"
	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/weather/cache"
)

// opsRateLimit caps ops traffic per client IP.
const (
	opsRateLimit  = 60
	opsRateWindow = time.Minute
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	Logger    zerolog.Logger
	Providers *resilience.Registry
	Store     *cache.Store
	Errors    *erragg.Aggregator
}

// NewRouter creates the chi router for the ops surface.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Order matters: the request ID must exist before anything logs.
	r.Use(RequestID)
	r.Use(Logger(cfg.Logger))
	r.Use(Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(RateLimitByIP(opsRateLimit, opsRateWindow))

	ops := NewOpsHandler(cfg.Version, cfg.Providers, cfg.Store, cfg.Errors)

	r.Route("/v1/ops", func(r chi.Router) {
		r.Get("/health", ops.Health)
		r.Get("/ready", ops.Ready)
		r.Get("/providers", ops.Providers)
		r.Get("/cache", ops.Cache)
		r.Get("/errors", ops.Errors)
	})

	return r
}
