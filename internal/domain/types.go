// Package domain contiene los tipos compartidos por el pipeline de emisión,
// la coordinación de firma remota y la conciliación de webhooks.
package domain

import (
	"encoding/json"
	"time"
)

// =================================================================================
// CREDENCIALES / TOKEN
// =================================================================================

// Credential son las credenciales mTLS en PEM. Inmutable una vez cargada.
type Credential struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	CAPEM          []byte // opcional
}

// AccessToken es un bearer token OAuth2 con su ventana de validez.
type AccessToken struct {
	Value      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Remaining retorna la validez restante respecto de now.
func (t AccessToken) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// =================================================================================
// FIRMA REMOTA
// =================================================================================

// SignStatus es el estado de una SignRequest.
type SignStatus string

const (
	SignPending  SignStatus = "PENDING"
	SignApproved SignStatus = "APPROVED"
	SignRejected SignStatus = "REJECTED"
	SignExpired  SignStatus = "EXPIRED"
)

// Terminal indica si el estado no admite más transiciones.
func (s SignStatus) Terminal() bool {
	return s == SignApproved || s == SignRejected || s == SignExpired
}

// DocumentType es el tipo de documento que se firma.
type DocumentType string

const (
	DocumentDPS          DocumentType = "DPS"
	DocumentEventoNFSe   DocumentType = "EVENTO_NFSE"
	DocumentCancelamento DocumentType = "CANCELAMENTO"
)

// SignRequest es una solicitud de firma remota pendiente de aprobación humana.
type SignRequest struct {
	ID                 string       `json:"id"`
	EnrollmentID       string       `json:"enrollmentId"`
	UserID             string       `json:"userId"`
	DocumentType       DocumentType `json:"documentType"`
	DocumentID         *string      `json:"documentId,omitempty"`
	HashAlgorithm      string       `json:"hashAlgorithm"`
	HashValue          string       `json:"hashValue"`
	Status             SignStatus   `json:"status"`
	ExternalSignID     *string      `json:"externalSignId,omitempty"`
	QRCodeURL          *string      `json:"qrCodeUrl,omitempty"`
	SignatureValue     *string      `json:"signatureValue,omitempty"`
	SignatureAlgorithm *string      `json:"signatureAlgorithm,omitempty"`
	RequestedAt        time.Time    `json:"requestedAt"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty"`
	ExpiresAt          time.Time    `json:"expiresAt"`
}

// Clone retorna una copia profunda (los stores devuelven copias, nunca punteros compartidos).
func (r *SignRequest) Clone() *SignRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.DocumentID = cloneStr(r.DocumentID)
	c.ExternalSignID = cloneStr(r.ExternalSignID)
	c.QRCodeURL = cloneStr(r.QRCodeURL)
	c.SignatureValue = cloneStr(r.SignatureValue)
	c.SignatureAlgorithm = cloneStr(r.SignatureAlgorithm)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SignTransition describe un cambio de estado condicional (solo desde PENDING).
type SignTransition struct {
	To                 SignStatus
	SignatureValue     string
	SignatureAlgorithm string
	CompletedAt        time.Time
}

// Enrollment es el vínculo activo usuario ↔ certificado ICP-Brasil.
type Enrollment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ValidUntil time.Time `json:"validUntil"`
	Thumbprint string    `json:"thumbprint"`
	Status     string    `json:"status"`
}

// Active indica si el enrollment sigue vigente en now.
func (e *Enrollment) Active(now time.Time) bool {
	if e == nil {
		return false
	}
	if e.Status != "" && e.Status != "ACTIVE" {
		return false
	}
	return e.ValidUntil.After(now)
}

// AuditLogEntry es una entrada append-only del trail de firma.
type AuditLogEntry struct {
	SignRequestID *string        `json:"signRequestId,omitempty"`
	UserID        string         `json:"userId"`
	EnrollmentID  string         `json:"enrollmentId"`
	EventType     string         `json:"eventType"`
	EventData     map[string]any `json:"eventData"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Eventos de auditoría.
const (
	AuditSignatureRequested = "SIGNATURE_REQUESTED"
	AuditSignatureReceived  = "SIGNATURE_RECEIVED"
	AuditSignatureRejected  = "SIGNATURE_REJECTED"
	AuditSignatureExpired   = "SIGNATURE_EXPIRED"
)

// =================================================================================
// EMISIÓN
// =================================================================================

// EmissionStatus es el estado persistido de una emisión.
type EmissionStatus string

const (
	EmissionQueued     EmissionStatus = "EM_FILA"
	EmissionAuthorized EmissionStatus = "AUTORIZADA"
	EmissionFailed     EmissionStatus = "FAILED"
)

// EmissionRecord es el registro de auditoría de un envío. Nunca se borra.
type EmissionRecord struct {
	Protocol        string          `json:"protocol"`
	UserID          string          `json:"userId,omitempty"`
	Status          EmissionStatus  `json:"status"`
	Situacao        string          `json:"situacao"`
	DocumentKeyHash string          `json:"documentKeyHash"`
	AccessKey       *string         `json:"accessKey,omitempty"`
	NumeroDocumento *string         `json:"numeroDocumento,omitempty"`
	ProcessedAt     time.Time       `json:"processedAt"`
	RawResponse     json.RawMessage `json:"rawResponse,omitempty"`
}

// =================================================================================
// WEBHOOKS / CONCILIACIÓN
// =================================================================================

// ChargeStatus es el estado de conciliación de una cobranza.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "PENDENTE"
	ChargePaid      ChargeStatus = "PAGO"
	ChargeReturned  ChargeStatus = "DEVOLVIDO"
	ChargeExpired   ChargeStatus = "VENCIDO"
	ChargeCancelled ChargeStatus = "CANCELADO"
)

// Charge es una cobranza (pix, boleto o cobrança) conciliada por webhooks.
type Charge struct {
	Identifier string         `json:"identifier"`
	Kind       string         `json:"kind"`
	UserID     string         `json:"userId,omitempty"`
	Status     ChargeStatus   `json:"status"`
	History    map[string]any `json:"history,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ProcessedEvent es la entrada del log de eventos procesados (detección de replay).
type ProcessedEvent struct {
	EventID     string          `json:"eventId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt time.Time       `json:"processedAt"`
	Outcome     string          `json:"outcome"` // success | failed
	Error       string          `json:"error,omitempty"`
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StrPtr retorna un puntero al string, o nil si está vacío.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
