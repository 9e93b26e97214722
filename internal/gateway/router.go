// Package gateway implements the HTTP ingress (/send) and SSE egress
// (/stream/{conversation_id}) surface, with chi router and middleware
// wiring for health, readiness, metrics, and rate limiting.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/middleware"
	"github.com/magent2/runtime/pkg/logger"
)

// Config configures the gateway router.
type Config struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the gateway's chi.Router. pinger is optional; pass nil
// when the bus backend has no connectivity check (e.g. the in-process bus).
func NewRouter(cfg Config, b bus.Bus, pinger Pinger, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	health := NewHealthHandler(pinger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	ingress := NewIngressHandler(b, log)
	egress := NewEgressHandler(b, log)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/send", ingress.Send)
		r.Get("/stream/{conversation_id}", egress.Stream)
	})

	return r
}
