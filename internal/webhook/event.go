package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// EventType es el discriminador del sobre (campo eventType).
type EventType string

const (
	PixReceived       EventType = "pix.received"
	PixReturned       EventType = "pix.returned"
	BoletoPaid        EventType = "boleto.paid"
	BoletoExpired     EventType = "boleto.expired"
	CobrancaPaid      EventType = "cobranca.paid"
	CobrancaCancelled EventType = "cobranca.cancelled"
)

// Tipos de cobranza conciliada.
const (
	KindPix      = "pix"
	KindBoleto   = "boleto"
	KindCobranca = "cobranca"
)

// Payload es el cuerpo tipado de un evento.
type Payload interface {
	// ChargeRef identifica la cobranza afectada.
	ChargeRef() (identifier, kind string)
	validate() error
}

type PixReceivedData struct {
	TxID       string  `json:"txid"`
	Valor      float64 `json:"valor"`
	EndToEndID string  `json:"endToEndId,omitempty"`
	Pagador    string  `json:"pagador,omitempty"`
}

func (d *PixReceivedData) ChargeRef() (string, string) { return d.TxID, KindPix }
func (d *PixReceivedData) validate() error {
	if d.TxID == "" {
		return missing("txid")
	}
	if d.Valor <= 0 {
		return invalid("valor", "deve ser positivo")
	}
	return nil
}

type PixReturnedData struct {
	TxID   string  `json:"txid"`
	Valor  float64 `json:"valor,omitempty"`
	Motivo string  `json:"motivo,omitempty"`
}

func (d *PixReturnedData) ChargeRef() (string, string) { return d.TxID, KindPix }
func (d *PixReturnedData) validate() error {
	if d.TxID == "" {
		return missing("txid")
	}
	return nil
}

type BoletoPaidData struct {
	NossoNumero string  `json:"nosso_numero"`
	Valor       float64 `json:"valor"`
}

func (d *BoletoPaidData) ChargeRef() (string, string) { return d.NossoNumero, KindBoleto }
func (d *BoletoPaidData) validate() error {
	if d.NossoNumero == "" {
		return missing("nosso_numero")
	}
	if d.Valor <= 0 {
		return invalid("valor", "deve ser positivo")
	}
	return nil
}

type BoletoExpiredData struct {
	NossoNumero    string `json:"nosso_numero"`
	DataVencimento string `json:"data_vencimento,omitempty"`
}

func (d *BoletoExpiredData) ChargeRef() (string, string) { return d.NossoNumero, KindBoleto }
func (d *BoletoExpiredData) validate() error {
	if d.NossoNumero == "" {
		return missing("nosso_numero")
	}
	return nil
}

type CobrancaPaidData struct {
	ID    string  `json:"id"`
	Valor float64 `json:"valor"`
}

func (d *CobrancaPaidData) ChargeRef() (string, string) { return d.ID, KindCobranca }
func (d *CobrancaPaidData) validate() error {
	if d.ID == "" {
		return missing("id")
	}
	if d.Valor <= 0 {
		return invalid("valor", "deve ser positivo")
	}
	return nil
}

type CobrancaCancelledData struct {
	ID     string `json:"id"`
	Motivo string `json:"motivo,omitempty"`
}

func (d *CobrancaCancelledData) ChargeRef() (string, string) { return d.ID, KindCobranca }
func (d *CobrancaCancelledData) validate() error {
	if d.ID == "" {
		return missing("id")
	}
	return nil
}

// Event es un evento de webhook ya validado. Inmutable tras Decode.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      EventType
	Data      Payload
	Raw       json.RawMessage
}

type envelope struct {
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	EventType EventType       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// newPayload mapea el discriminador al tipo concreto.
func newPayload(t EventType) (Payload, bool) {
	switch t {
	case PixReceived:
		return &PixReceivedData{}, true
	case PixReturned:
		return &PixReturnedData{}, true
	case BoletoPaid:
		return &BoletoPaidData{}, true
	case BoletoExpired:
		return &BoletoExpiredData{}, true
	case CobrancaPaid:
		return &CobrancaPaidData{}, true
	case CobrancaCancelled:
		return &CobrancaCancelledData{}, true
	}
	return nil, false
}

// Decode deserializa el sobre y el cuerpo según eventType. Cualquier fallo
// retorna un error que envuelve domain.ErrInvalidPayload.
func Decode(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if env.EventID == "" {
		return nil, missing("eventId")
	}
	ts, err := ParseTimestamp(env.Timestamp)
	if err != nil {
		return nil, invalid("timestamp", err.Error())
	}
	p, ok := newPayload(env.EventType)
	if !ok {
		return nil, invalid("eventType", fmt.Sprintf("tipo desconhecido %q", env.EventType))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, missing("data")
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("%w: data: %v", domain.ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Event{
		ID:        env.EventID,
		Timestamp: ts,
		Type:      env.EventType,
		Data:      p,
		Raw:       append(json.RawMessage(nil), raw...),
	}, nil
}

// ParseTimestamp acepta RFC 3339 (con o sin fracción) o epoch en segundos.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("vazio")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("formato inválido %q", s)
}

func missing(field string) error {
	return fmt.Errorf("%w: campo obrigatório ausente: %s", domain.ErrInvalidPayload, field)
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrInvalidPayload, field, reason)
}
