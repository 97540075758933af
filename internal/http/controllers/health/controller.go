// Package health expone /readyz.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/http/dto"
	"github.com/dropDatabas3/nfsegate/internal/http/helpers"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// Check verifica un componente (store, cache).
type Check func(ctx context.Context) error

type Controller struct {
	version string
	checks  map[string]Check
	timeout time.Duration
}

func NewController(version string, checks map[string]Check) *Controller {
	return &Controller{version: version, checks: checks, timeout: 2 * time.Second}
}

// Readyz responde 200 si todos los componentes responden, 503 si alguno falla.
func (c *Controller) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:     "ready",
		Version:    c.version,
		Components: make(map[string]string, len(c.checks)),
		Timestamp:  time.Now().UTC(),
	}
	for name, check := range c.checks {
		if err := check(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Components[name] = "error: " + err.Error()
			logger.From(ctx).Warn("componente indisponível", logger.Component(name), logger.Err(err))
			continue
		}
		resp.Components[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	if c.version != "" {
		w.Header().Set("X-Service-Version", c.version)
	}
	helpers.WriteJSON(w, status, resp)
}
