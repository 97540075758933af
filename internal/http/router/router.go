// Package router arma el árbol de rutas (chi) del gateway.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	emctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/emission"
	healthctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/health"
	sigctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/signature"
	whctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/webhook"
	"github.com/dropDatabas3/nfsegate/internal/http/errors"
	mw "github.com/dropDatabas3/nfsegate/internal/http/middlewares"
	"github.com/dropDatabas3/nfsegate/internal/rate"
)

// Deps controllers y middlewares opcionales. Un controller nil omite sus rutas.
type Deps struct {
	Health    *healthctrl.Controller
	Webhook   *whctrl.Controller
	Signature *sigctrl.Controller
	Emission  *emctrl.Controller

	RateLimiter    rate.Limiter // solo rutas de webhook
	MetricsHandler http.Handler // nil: promhttp.Handler()
}

// New retorna el handler raíz.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.ErrNotFound.WithDetail(r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, errors.ErrMethodNotAllowed)
	})

	// Infra: sin logging (muy frecuentes).
	r.Group(func(r chi.Router) {
		r.Use(mw.WithRecover(), mw.WithRequestID())
		if deps.Health != nil {
			r.Get("/readyz", deps.Health.Readyz)
		}
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = promhttp.Handler()
		}
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(
			mw.WithRequestID(),
			mw.WithLogging(),
			mw.WithRecover(),
			mw.WithSecurityHeaders(),
			mw.WithMetrics(),
		)

		if deps.Webhook != nil {
			r.Group(func(r chi.Router) {
				r.Use(mw.WithRateLimit(deps.RateLimiter, mw.IPPathRateKey))
				r.Post("/webhooks/payments", deps.Webhook.Receive)
			})
		}
		if deps.Signature != nil {
			r.Post("/signatures/callback", deps.Signature.Callback)
			r.Get("/signatures/{id}", deps.Signature.Get)
		}
		if deps.Emission != nil {
			r.Post("/emissions", deps.Emission.Emit)
			r.Get("/emissions/{protocol}", deps.Emission.Get)
			r.Post("/emissions/{protocol}/poll", deps.Emission.Poll)
			r.Get("/metrics/emissions", deps.Emission.Summary)
		}
	})

	return r
}
