package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indica que el registro no existe.
	ErrNotFound = errors.New("não encontrado")

	// ErrConflict indica que una transición condicional no aplicó (el estado ya cambió).
	ErrConflict = errors.New("conflito de estado")

	// ErrNoActiveCertificate indica que el usuario no tiene un certificado activo.
	ErrNoActiveCertificate = errors.New("usuário não possui certificado digital ativo")

	// ErrInvalidSignature indica que la firma HMAC del webhook no coincide.
	ErrInvalidSignature = errors.New("webhook: assinatura inválida")

	// ErrStaleTimestamp indica que el timestamp del webhook está fuera de tolerancia.
	ErrStaleTimestamp = errors.New("webhook: timestamp fora da tolerância")

	// ErrInvalidPayload indica que el cuerpo del webhook no respeta el esquema del tipo.
	ErrInvalidPayload = errors.New("webhook: payload inválido")

	// ErrDuplicateEvent indica que el evento ya fue procesado (replay).
	ErrDuplicateEvent = errors.New("webhook: evento duplicado")
)

// retryable lo implementan los errores que se clasifican en su origen.
type retryable interface {
	Retryable() bool
}

// IsRetryable reporta si err (o alguna causa envuelta) fue clasificado como reintentable.
// Los errores sin clasificación explícita son fatales.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// ConfigurationError indica configuración faltante o inválida. Fatal.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// AuthError indica que el intercambio de token agotó los reintentos.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: falha ao obter token após %d tentativas: %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) Retryable() bool { return false }

// SchemaValidationError lista todas las violaciones del XSD.
type SchemaValidationError struct {
	Messages []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("xml_validation: %d violation(s): %s", len(e.Messages), strings.Join(e.Messages, "; "))
}

func (e *SchemaValidationError) Retryable() bool { return false }

// StructuralError indica que el documento no tiene la forma esperada (ancla de firma ausente).
type StructuralError struct {
	Anchor string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("xml structure: %s (anchor %s)", e.Reason, e.Anchor)
}

func (e *StructuralError) Retryable() bool { return false }

// SignatureRejectedError indica que el usuario rechazó la firma.
type SignatureRejectedError struct {
	SignRequestID string
}

func (e *SignatureRejectedError) Error() string {
	return fmt.Sprintf("assinatura rejeitada pelo usuário (sign request %s); inicie uma nova solicitação", e.SignRequestID)
}

func (e *SignatureRejectedError) Retryable() bool { return false }

// SignatureTimeoutError indica que la solicitud expiró sin aprobación.
type SignatureTimeoutError struct {
	SignRequestID string
	Waited        time.Duration
}

func (e *SignatureTimeoutError) Error() string {
	return fmt.Sprintf("timeout: assinatura não aprovada em %s (sign request %s); inicie uma nova solicitação",
		e.Waited.Round(time.Millisecond), e.SignRequestID)
}

func (e *SignatureTimeoutError) Retryable() bool { return false }

// UpstreamError es una respuesta de error del endpoint remoto.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, body)
}

// Retryable: 5xx y 429 se reintentan; el resto de 4xx es fatal.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// TransportError es una falla de red (conexión rechazada, timeout, DNS).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Retryable() bool { return true }

// EmissionError es el error terminal de Emit: último error + contexto de reintentos.
type EmissionError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("emission failed after %d attempt(s) in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *EmissionError) Unwrap() error { return e.Err }
