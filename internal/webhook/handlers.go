package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/notify"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

// ReconciledEvent es lo que se publica tras conciliar una cobranza.
type ReconciledEvent struct {
	EventID    string              `json:"eventId"`
	EventType  EventType           `json:"eventType"`
	Identifier string              `json:"identifier"`
	Kind       string              `json:"kind"`
	Status     domain.ChargeStatus `json:"status"`
	Amount     float64             `json:"amount,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// Reconciler agrupa los handlers por defecto: actualizan el estado de la
// cobranza, publican el evento conciliado y avisan al usuario.
type Reconciler struct {
	Charges   store.ChargeStore
	Publisher notify.Publisher // opcional
	Notifier  notify.Sender    // opcional
}

type transition struct {
	status   domain.ChargeStatus
	template string
	history  func(ev *Event) map[string]any
}

var transitions = map[EventType]transition{
	PixReceived: {domain.ChargePaid, notify.TemplatePaymentReceived, func(ev *Event) map[string]any {
		d := ev.Data.(*PixReceivedData)
		return map[string]any{"valor_pago": d.Valor, "data_pagamento": ev.Timestamp.UTC().Format(time.RFC3339), "end_to_end_id": d.EndToEndID}
	}},
	PixReturned: {domain.ChargeReturned, notify.TemplatePaymentReturned, func(ev *Event) map[string]any {
		d := ev.Data.(*PixReturnedData)
		return map[string]any{"motivo_devolucao": d.Motivo, "data_devolucao": ev.Timestamp.UTC().Format(time.RFC3339)}
	}},
	BoletoPaid: {domain.ChargePaid, notify.TemplatePaymentReceived, func(ev *Event) map[string]any {
		d := ev.Data.(*BoletoPaidData)
		return map[string]any{"valor_pago": d.Valor, "data_pagamento": ev.Timestamp.UTC().Format(time.RFC3339)}
	}},
	BoletoExpired: {domain.ChargeExpired, notify.TemplateChargeExpired, func(ev *Event) map[string]any {
		return map[string]any{"data_vencimento": ev.Timestamp.UTC().Format(time.RFC3339)}
	}},
	CobrancaPaid: {domain.ChargePaid, notify.TemplatePaymentReceived, func(ev *Event) map[string]any {
		d := ev.Data.(*CobrancaPaidData)
		return map[string]any{"valor_pago": d.Valor, "data_pagamento": ev.Timestamp.UTC().Format(time.RFC3339)}
	}},
	CobrancaCancelled: {domain.ChargeCancelled, notify.TemplateChargeCancelled, func(ev *Event) map[string]any {
		d := ev.Data.(*CobrancaCancelledData)
		return map[string]any{"data_cancelamento": ev.Timestamp.UTC().Format(time.RFC3339), "motivo": d.Motivo}
	}},
}

// Register registra un handler por cada tipo conocido.
func (r *Reconciler) Register(in *Ingestor) []Subscription {
	subs := make([]Subscription, 0, len(transitions))
	for _, t := range []EventType{PixReceived, PixReturned, BoletoPaid, BoletoExpired, CobrancaPaid, CobrancaCancelled} {
		subs = append(subs, in.On(t, r.Handle))
	}
	return subs
}

// Handle concilia un evento. Los errores de store o publicación se
// propagan (reintento); la notificación es best-effort.
func (r *Reconciler) Handle(ctx context.Context, ev *Event) error {
	tr, ok := transitions[ev.Type]
	if !ok {
		return fmt.Errorf("webhook: sem conciliação para %s", ev.Type)
	}
	identifier, kind := ev.Data.ChargeRef()
	log := logger.From(ctx).With(
		logger.Component("reconcile"),
		logger.EventID(ev.ID),
		logger.String("identifier", identifier),
	)

	charge, err := r.Charges.UpdateStatus(ctx, identifier, kind, tr.status, tr.history(ev))
	if err != nil {
		return fmt.Errorf("charge %s: %w", identifier, err)
	}

	if r.Publisher != nil {
		out := ReconciledEvent{
			EventID:    ev.ID,
			EventType:  ev.Type,
			Identifier: identifier,
			Kind:       kind,
			Status:     tr.status,
			Amount:     amountOf(ev.Data),
			OccurredAt: ev.Timestamp.UTC(),
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if err := r.Publisher.Publish(ctx, string(ev.Type), payload, identifier); err != nil {
			return fmt.Errorf("publish %s: %w", ev.ID, err)
		}
	}

	if r.Notifier != nil && charge.UserID != "" {
		args := map[string]any{
			"identifier": identifier,
			"kind":       kind,
			"amount":     fmt.Sprintf("R$ %.2f", amountOf(ev.Data)),
		}
		if err := r.Notifier.Send(ctx, charge.UserID, tr.template, args); err != nil {
			log.Warn("aviso de conciliação não enviado", logger.UserID(charge.UserID), logger.Err(err))
		}
	}

	log.Info("cobrança conciliada", logger.String("status", string(tr.status)))
	return nil
}

func amountOf(p Payload) float64 {
	switch d := p.(type) {
	case *PixReceivedData:
		return d.Valor
	case *PixReturnedData:
		return d.Valor
	case *BoletoPaidData:
		return d.Valor
	case *CobrancaPaidData:
		return d.Valor
	}
	return 0
}
