// Package emission expone el envío de DPS, la consulta y el poll de status.
package emission

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	em "github.com/dropDatabas3/nfsegate/internal/emission"
	"github.com/dropDatabas3/nfsegate/internal/http/dto"
	"github.com/dropDatabas3/nfsegate/internal/http/errors"
	"github.com/dropDatabas3/nfsegate/internal/http/helpers"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

// Emitter es el pipeline de emisión.
type Emitter interface {
	Emit(ctx context.Context, req em.EmitRequest, maxRetries int) (*domain.EmissionRecord, error)
	PollStatus(ctx context.Context, protocol string) (*domain.EmissionRecord, error)
}

type Controller struct {
	emitter Emitter
	records store.EmissionStore
	window  *metrics.Window
}

func NewController(emitter Emitter, records store.EmissionStore, window *metrics.Window) *Controller {
	return &Controller{emitter: emitter, records: records, window: window}
}

// Emit maneja POST /v1/emissions. Bloquea hasta el resultado terminal
// (incluida la aprobación de firma, si el documento no viene firmado).
func (c *Controller) Emit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("EmissionController.Emit"))

	var body dto.EmitRequest
	if !helpers.ReadJSON(w, r, &body) {
		return
	}
	var missing []string
	if strings.TrimSpace(body.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(body.DocumentXML) == "" {
		missing = append(missing, "documentXml")
	}
	if len(missing) > 0 {
		errors.WriteError(w, errors.ErrBadRequest.WithDetail("campos obrigatórios: "+strings.Join(missing, ", ")))
		return
	}

	rec, err := c.emitter.Emit(ctx, em.EmitRequest{
		UserID:       body.UserID,
		Version:      body.Version,
		DocumentXML:  body.DocumentXML,
		DocumentType: body.DocumentType,
		DocumentID:   body.DocumentID,
		Signed:       body.Signed,
	}, body.MaxRetries)
	if err != nil {
		appErr := errors.FromError(err)
		failure := dto.EmitFailure{Code: appErr.Code, Message: appErr.Message, Detail: appErr.Detail}
		var ee *domain.EmissionError
		if stderrors.As(err, &ee) {
			failure.Attempts = ee.Attempts
			failure.ElapsedMs = ee.Elapsed.Milliseconds()
		}
		if appErr.HTTPStatus >= 500 {
			log.Error("emissão falhou", logger.Err(err))
		}
		helpers.WriteJSON(w, appErr.HTTPStatus, failure)
		return
	}
	helpers.WriteJSON(w, http.StatusCreated, rec)
}

// Get maneja GET /v1/emissions/{protocol}.
func (c *Controller) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := c.records.GetByProtocol(r.Context(), chi.URLParam(r, "protocol"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, rec)
}

// Poll maneja POST /v1/emissions/{protocol}/poll: consulta la API Nacional
// y actualiza el registro.
func (c *Controller) Poll(w http.ResponseWriter, r *http.Request) {
	rec, err := c.emitter.PollStatus(r.Context(), chi.URLParam(r, "protocol"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, rec)
}

// Summary maneja GET /v1/metrics/emissions.
func (c *Controller) Summary(w http.ResponseWriter, r *http.Request) {
	if c.window == nil {
		errors.WriteError(w, errors.ErrNotConfigured.WithDetail("metrics"))
		return
	}
	helpers.WriteJSON(w, http.StatusOK, c.window.Summary())
}
