package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/notify"
)

type published struct {
	eventType string
	key       string
	payload   []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, eventType string, payload []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{eventType, key, payload})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type sent struct {
	userID, template string
	args             map[string]any
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sent
}

func (s *fakeSender) Send(ctx context.Context, userID, template string, args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sent{userID, template, args})
	return nil
}

func TestReconciler_StatusTransitions(t *testing.T) {
	cases := []struct {
		typ    EventType
		data   map[string]any
		id     string
		kind   string
		status domain.ChargeStatus
	}{
		{PixReceived, map[string]any{"txid": "tx-1", "valor": 99.9}, "tx-1", KindPix, domain.ChargePaid},
		{PixReturned, map[string]any{"txid": "tx-2", "motivo": "fraude"}, "tx-2", KindPix, domain.ChargeReturned},
		{BoletoPaid, map[string]any{"nosso_numero": "0001", "valor": 10}, "0001", KindBoleto, domain.ChargePaid},
		{BoletoExpired, map[string]any{"nosso_numero": "0002"}, "0002", KindBoleto, domain.ChargeExpired},
		{CobrancaPaid, map[string]any{"id": "cob-1", "valor": 5}, "cob-1", KindCobranca, domain.ChargePaid},
		{CobrancaCancelled, map[string]any{"id": "cob-2", "motivo": "duplicada"}, "cob-2", KindCobranca, domain.ChargeCancelled},
	}

	h := newHarness(t)
	pub := &fakePublisher{}
	r := &Reconciler{Charges: h.conn.Charges(), Publisher: pub}
	require.Len(t, r.Register(h.in), 6)

	for i, c := range cases {
		raw := body(t, "evt-"+string(c.typ), c.typ, c.data)
		require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()), "case %d", i)
	}
	h.in.Close()

	for _, c := range cases {
		ch, err := h.conn.Charges().Get(context.Background(), c.id)
		require.NoError(t, err, c.typ)
		assert.Equal(t, c.status, ch.Status, c.typ)
		assert.Equal(t, c.kind, ch.Kind, c.typ)
	}
	require.Len(t, pub.msgs, len(cases))
	for i, m := range pub.msgs {
		assert.Equal(t, string(cases[i].typ), m.eventType)
		assert.Equal(t, cases[i].id, m.key)
		var out ReconciledEvent
		require.NoError(t, json.Unmarshal(m.payload, &out))
		assert.Equal(t, cases[i].status, out.Status)
	}
}

func TestReconciler_PixReceivedNotifiesOwner(t *testing.T) {
	h := newHarness(t)
	h.conn.PutCharge(domain.Charge{Identifier: "tx-owner", Kind: KindPix, UserID: "ana@example.com"})
	snd := &fakeSender{}
	r := &Reconciler{Charges: h.conn.Charges(), Notifier: snd}
	r.Register(h.in)

	raw := body(t, "evt-owner", PixReceived, map[string]any{"txid": "tx-owner", "valor": 150.5})
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	h.in.Close()

	ch, err := h.conn.Charges().Get(context.Background(), "tx-owner")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargePaid, ch.Status)
	assert.Equal(t, 150.5, ch.History["valor_pago"])
	assert.NotEmpty(t, ch.History["data_pagamento"])

	require.Len(t, snd.sends, 1)
	assert.Equal(t, "ana@example.com", snd.sends[0].userID)
	assert.Equal(t, notify.TemplatePaymentReceived, snd.sends[0].template)
	assert.Equal(t, "R$ 150.50", snd.sends[0].args["amount"])
}

func TestReconciler_PublishFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	pub := &fakePublisher{err: errors.New("broker down")}
	r := &Reconciler{Charges: h.conn.Charges(), Publisher: pub}
	r.Register(h.in)

	raw := body(t, "evt-pub", CobrancaPaid, map[string]any{"id": "cob-9", "valor": 1})
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	h.in.Close()

	assert.Len(t, h.sleeps, DefaultRetries)
	processed := h.conn.Processed()
	require.Len(t, processed, 1)
	assert.Equal(t, "failed", processed[0].Outcome)
	assert.Contains(t, processed[0].Error, "broker down")
}
