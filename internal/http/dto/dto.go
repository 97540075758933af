// Package dto define los cuerpos JSON de la API HTTP.
package dto

import (
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// EmitRequest es el cuerpo de POST /v1/emissions.
type EmitRequest struct {
	UserID       string              `json:"userId"`
	Version      string              `json:"versao,omitempty"`
	DocumentXML  string              `json:"documentXml"`
	DocumentType domain.DocumentType `json:"documentType,omitempty"`
	DocumentID   *string             `json:"documentId,omitempty"`
	Signed       bool                `json:"signed,omitempty"`
	MaxRetries   int                 `json:"maxRetries,omitempty"`
}

// EmitFailure acompaña a un error terminal de emisión.
type EmitFailure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Attempts  int    `json:"attempts"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// WebhookAck es la respuesta a un webhook aceptado.
type WebhookAck struct {
	Status string `json:"status"` // accepted | duplicate
}

// HealthResponse es la respuesta de /readyz.
type HealthResponse struct {
	Status     string            `json:"status"` // ready | unavailable
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}
