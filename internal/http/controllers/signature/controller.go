// Package signature expone el callback del proveedor de firma y la consulta
// de solicitudes.
package signature

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/http/errors"
	"github.com/dropDatabas3/nfsegate/internal/http/helpers"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	sig "github.com/dropDatabas3/nfsegate/internal/signature"
)

// Coordinator es la parte del coordinador que expone la API.
type Coordinator interface {
	HandleCallback(ctx context.Context, cb sig.Callback) (*domain.SignRequest, error)
	Get(ctx context.Context, id string) (*domain.SignRequest, error)
}

type Controller struct {
	coord  Coordinator
	secret string
}

func NewController(coord Coordinator, secret string) *Controller {
	return &Controller{coord: coord, secret: secret}
}

// Callback maneja POST /v1/signatures/callback (X-Signature = HMAC hex del body).
func (c *Controller) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("SignatureController.Callback"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		errors.WriteError(w, errors.ErrBodyTooLarge.WithCause(err))
		return
	}
	if err := sig.VerifyCallback(body, r.Header.Get("X-Signature"), c.secret); err != nil {
		log.Warn("callback de assinatura rejeitado", logger.Err(err))
		errors.WriteError(w, err)
		return
	}
	cb, err := sig.ParseCallback(body)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	req, err := c.coord.HandleCallback(ctx, cb)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, req)
}

// Get maneja GET /v1/signatures/{id}.
func (c *Controller) Get(w http.ResponseWriter, r *http.Request) {
	req, err := c.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, req)
}
