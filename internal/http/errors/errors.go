// Package errors traduce los errores del dominio al catálogo AppError y los
// escribe como JSON.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError escribe err como respuesta JSON (ver FromError).
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}

// FromError clasifica err. Lo que no se reconoce es 500 con la causa preservada.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var (
		schemaErr *domain.SchemaValidationError
		structErr *domain.StructuralError
		rejected  *domain.SignatureRejectedError
		timeout   *domain.SignatureTimeoutError
		upstream  *domain.UpstreamError
		transport *domain.TransportError
		cfgErr    *domain.ConfigurationError
	)
	switch {
	case stderrors.Is(err, domain.ErrInvalidSignature):
		return ErrInvalidSignature.WithCause(err)
	case stderrors.Is(err, domain.ErrStaleTimestamp):
		return ErrStaleTimestamp.WithCause(err)
	case stderrors.Is(err, domain.ErrInvalidPayload):
		return ErrInvalidPayload.WithDetail(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrDuplicateEvent):
		return ErrDuplicateEvent.WithCause(err)
	case stderrors.Is(err, domain.ErrNotFound):
		return ErrNotFound.WithCause(err)
	case stderrors.Is(err, domain.ErrConflict):
		return ErrConflict.WithCause(err)
	case stderrors.Is(err, domain.ErrNoActiveCertificate):
		return ErrNoActiveCertificate.WithCause(err)
	case stderrors.As(err, &schemaErr):
		return ErrSchemaValidation.WithDetail(schemaErr.Error()).WithCause(err)
	case stderrors.As(err, &structErr):
		return ErrStructural.WithDetail(structErr.Error()).WithCause(err)
	case stderrors.As(err, &rejected):
		return ErrSignatureRejected.WithDetail(rejected.SignRequestID).WithCause(err)
	case stderrors.As(err, &timeout):
		return ErrSignatureTimeout.WithDetail(timeout.SignRequestID).WithCause(err)
	case stderrors.As(err, &upstream):
		return ErrUpstream.WithDetail(upstream.Error()).WithCause(err)
	case stderrors.As(err, &transport):
		return ErrUpstreamUnavailable.WithCause(err)
	case stderrors.As(err, &cfgErr):
		return ErrNotConfigured.WithDetail(cfgErr.Field).WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrServiceUnavailable.WithDetail("timeout").WithCause(err)
	}
	return ErrInternalServerError.WithCause(err)
}
