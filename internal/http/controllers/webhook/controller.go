// Package webhook expone la recepción de webhooks de pago.
package webhook

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/http/dto"
	"github.com/dropDatabas3/nfsegate/internal/http/errors"
	"github.com/dropDatabas3/nfsegate/internal/http/helpers"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

const maxBody = 1 << 20

// Ingester recibe el cuerpo crudo y los headers de autenticación.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, signature, timestamp string) error
}

type Controller struct {
	ingester Ingester
}

func NewController(in Ingester) *Controller {
	return &Controller{ingester: in}
}

// Receive maneja POST /v1/webhooks/payments.
// 200 aceptado (o duplicado), 401 firma/timestamp, 400 payload inválido.
func (c *Controller) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("WebhookController.Receive"))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		errors.WriteError(w, errors.ErrBodyTooLarge.WithCause(err))
		return
	}

	err = c.ingester.Ingest(ctx, raw, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp"))
	switch {
	case err == nil:
		helpers.WriteJSON(w, http.StatusOK, dto.WebhookAck{Status: "accepted"})
	case stderrors.Is(err, domain.ErrDuplicateEvent):
		// El banco reintenta ante cualquier no-2xx: el duplicado se confirma.
		helpers.WriteJSON(w, http.StatusOK, dto.WebhookAck{Status: "duplicate"})
	default:
		appErr := errors.FromError(err)
		if appErr.HTTPStatus >= 500 {
			log.Error("falha ao ingerir webhook", logger.Err(err))
		}
		errors.WriteError(w, appErr)
	}
}
