// Package notify contiene los colaboradores de salida del motor: avisos al
// usuario (SMTP o log) y publicación de eventos de conciliación (Kafka).
// Todos son best-effort desde el punto de vista del core.
package notify

import (
	"context"
	"errors"
	"strings"
)

// Templates conocidos.
const (
	TemplateSignatureRequested = "signature_requested"
	TemplatePaymentReceived    = "payment_received"
	TemplatePaymentReturned    = "payment_returned"
	TemplateChargeExpired      = "charge_expired"
	TemplateChargeCancelled    = "charge_cancelled"
)

// ErrNoRecipient indica que no se pudo resolver el destinatario del usuario.
var ErrNoRecipient = errors.New("notify: destinatário não encontrado")

// Sender envía un aviso al usuario.
type Sender interface {
	Send(ctx context.Context, userID, template string, args map[string]any) error
}

// Publisher publica eventos en un bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
	Close() error
}

// RecipientResolver traduce un userID a una dirección de email.
type RecipientResolver func(ctx context.Context, userID string) (string, error)

// AddressAsUserID usa el userID como dirección cuando tiene forma de email.
func AddressAsUserID(ctx context.Context, userID string) (string, error) {
	if strings.Contains(userID, "@") {
		return userID, nil
	}
	return "", ErrNoRecipient
}

// StaticDirectory resuelve desde un mapa fijo y cae a AddressAsUserID.
func StaticDirectory(m map[string]string) RecipientResolver {
	return func(ctx context.Context, userID string) (string, error) {
		if addr, ok := m[userID]; ok && addr != "" {
			return addr, nil
		}
		return AddressAsUserID(ctx, userID)
	}
}

// Multi envía por todos los senders; retorna el primer error.
type Multi []Sender

func (m Multi) Send(ctx context.Context, userID, template string, args map[string]any) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, userID, template, args); err != nil && first == nil {
			first = err
		}
	}
	return first
}
