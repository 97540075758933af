package errors

import (
	"fmt"
	"net/http"
)

// AppError es la forma estándar de los errores de la API.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // causa, solo para logs
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// WithDetail retorna una copia con detalle; no muta el catálogo.
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause retorna una copia con la causa original.
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// =================================================================================
// CATÁLOGO
// =================================================================================

// 400
var (
	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "A requisição contém parâmetros inválidos ou ausentes.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidJSON = &AppError{
		Code:       "INVALID_JSON",
		Message:    "O corpo da requisição não é um JSON válido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidPayload = &AppError{
		Code:       "INVALID_PAYLOAD",
		Message:    "O payload do webhook não respeita o esquema do tipo de evento.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrBodyTooLarge = &AppError{
		Code:       "BODY_TOO_LARGE",
		Message:    "O corpo da requisição excede o tamanho máximo permitido.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
)

// 401 / 404 / 405 / 409
var (
	ErrInvalidSignature = &AppError{
		Code:       "INVALID_SIGNATURE",
		Message:    "Assinatura do webhook inválida.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrStaleTimestamp = &AppError{
		Code:       "STALE_TIMESTAMP",
		Message:    "Timestamp do webhook fora da tolerância.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Recurso não encontrado.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMethodNotAllowed = &AppError{
		Code:       "METHOD_NOT_ALLOWED",
		Message:    "Método não permitido para este recurso.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrConflict = &AppError{
		Code:       "CONFLICT",
		Message:    "O recurso já está em um estado final.",
		HTTPStatus: http.StatusConflict,
	}

	ErrDuplicateEvent = &AppError{
		Code:       "DUPLICATE_EVENT",
		Message:    "Evento já processado.",
		HTTPStatus: http.StatusConflict,
	}
)

// 422: el documento o el flujo de firma no permiten emitir.
var (
	ErrSchemaValidation = &AppError{
		Code:       "XML_VALIDATION",
		Message:    "O documento não respeita o esquema XSD.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrStructural = &AppError{
		Code:       "XML_STRUCTURE",
		Message:    "O documento não contém o ponto de inserção da assinatura.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrNoActiveCertificate = &AppError{
		Code:       "NO_ACTIVE_CERTIFICATE",
		Message:    "Usuário não possui certificado digital ativo.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrSignatureRejected = &AppError{
		Code:       "SIGNATURE_REJECTED",
		Message:    "Assinatura rejeitada pelo usuário. Inicie uma nova solicitação.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrSignatureTimeout = &AppError{
		Code:       "SIGNATURE_TIMEOUT",
		Message:    "A assinatura não foi aprovada a tempo. Inicie uma nova solicitação.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
)

// 429 / 5xx
var (
	ErrRateLimitExceeded = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Limite de requisições excedido. Tente novamente mais tarde.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Erro interno do servidor.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstream = &AppError{
		Code:       "UPSTREAM_ERROR",
		Message:    "O serviço remoto retornou um erro.",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrUpstreamUnavailable = &AppError{
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    "Não foi possível conectar ao serviço remoto.",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Serviço indisponível.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrNotConfigured = &AppError{
		Code:       "NOT_CONFIGURED",
		Message:    "Integração não configurada.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
