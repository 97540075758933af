package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// Callback es el cuerpo del webhook del proveedor de firma.
type Callback struct {
	SignRequestID      string     `json:"signRequestId"`
	Status             string     `json:"status,omitempty"` // APPROVED (default) | REJECTED
	SignatureValue     string     `json:"signatureValue,omitempty"`
	SignatureAlgorithm string     `json:"signatureAlgorithm,omitempty"`
	SignedAt           *time.Time `json:"signedAt,omitempty"`
	Device             string     `json:"device,omitempty"`
	Location           string     `json:"location,omitempty"`
}

// Rejected indica si el usuario rechazó la firma.
func (c Callback) Rejected() bool {
	return strings.EqualFold(c.Status, string(domain.SignRejected))
}

// Sign calcula el hex HMAC-SHA256 del cuerpo crudo.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback compara en tiempo constante la firma del header con el HMAC del cuerpo.
func VerifyCallback(body []byte, signatureHeader, secret string) error {
	if secret == "" {
		return &domain.ConfigurationError{Field: "certisign.webhook_secret", Reason: "segredo do callback não configurado"}
	}
	got, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil || len(got) == 0 {
		return domain.ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(body, secret))
	if !hmac.Equal(got, want) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// ParseCallback decodifica y valida el callback.
func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return cb, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if cb.SignRequestID == "" {
		return cb, fmt.Errorf("%w: signRequestId obrigatório", domain.ErrInvalidPayload)
	}
	if !cb.Rejected() && cb.SignatureValue == "" {
		return cb, fmt.Errorf("%w: signatureValue obrigatório", domain.ErrInvalidPayload)
	}
	return cb, nil
}
