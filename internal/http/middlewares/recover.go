package middlewares

import (
	"net/http"

	"github.com/dropDatabas3/nfsegate/internal/http/errors"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// WithRecover captura panics y responde 500.
func WithRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.From(r.Context()).Error("panic recuperado",
						logger.Op("recover"),
						logger.Any("panic", rec),
					)
					errors.WriteError(w, errors.ErrInternalServerError.WithDetail("erro interno"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
