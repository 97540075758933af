package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/cache"
	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/store/memory"
)

const secret = "segredo-webhook"

type harness struct {
	in   *Ingestor
	conn *memory.Conn

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{conn: memory.New()}
	h.in = NewIngestor(Deps{Events: h.conn.Events(), Index: cache.NewMemory("test", time.Hour)}, Options{
		Secret: secret,
		Delay:  10 * time.Millisecond,
	})
	h.in.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return nil
	}
	h.in.Start(context.Background())
	t.Cleanup(h.in.Close)
	return h
}

func body(t *testing.T, id string, typ EventType, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"eventId":   id,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"eventType": typ,
		"data":      data,
	})
	require.NoError(t, err)
	return raw
}

func pix(txid string) map[string]any {
	return map[string]any{"txid": txid, "valor": 150.5}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func TestIngest_WrongSecretIsRejected(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.in.On(PixReceived, func(ctx context.Context, ev *Event) error { calls.Add(1); return nil })

	raw := body(t, "evt-1", PixReceived, pix("tx-1"))
	err := h.in.Ingest(context.Background(), raw, Sign(raw, "outro-segredo"), now())
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, 0, h.in.Pending())

	h.in.Close()
	assert.Zero(t, calls.Load())
	assert.Empty(t, h.conn.Processed())
}

func TestIngest_TimestampCheckedBeforeSignature(t *testing.T) {
	h := newHarness(t)
	raw := body(t, "evt-1", PixReceived, pix("tx-1"))
	old := time.Now().Add(-301 * time.Second).UTC().Format(time.RFC3339)

	assert.ErrorIs(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), old), domain.ErrStaleTimestamp)
	assert.ErrorIs(t, h.in.Ingest(context.Background(), raw, "deadbeef", old), domain.ErrStaleTimestamp)
	assert.ErrorIs(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), "ontem"), domain.ErrStaleTimestamp)

	future := time.Now().Add(290 * time.Second).UTC().Format(time.RFC3339)
	assert.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), future))
}

func TestIngest_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	cases := map[string][]byte{
		"json":        []byte(`{"eventId":`),
		"sem id":      body(t, "", PixReceived, pix("tx")),
		"tipo":        body(t, "e1", "pix.unknown", pix("tx")),
		"sem txid":    body(t, "e2", PixReceived, map[string]any{"valor": 10}),
		"valor zero":  body(t, "e3", BoletoPaid, map[string]any{"nosso_numero": "123", "valor": 0}),
		"sem data":    body(t, "e4", CobrancaCancelled, nil),
		"data errada": body(t, "e5", CobrancaPaid, "texto"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.in.Ingest(context.Background(), raw, Sign(raw, secret), now())
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}
}

func TestIngest_ReplayIsNeverDispatchedTwice(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.in.On(PixReceived, func(ctx context.Context, ev *Event) error { calls.Add(1); return nil })

	raw := body(t, "evt-replay", PixReceived, pix("tx-1"))
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	assert.ErrorIs(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()), domain.ErrDuplicateEvent)
	h.in.Close()
	assert.EqualValues(t, 1, calls.Load())

	// Otro proceso con índice vacío: el log persistido sigue detectando el replay.
	other := NewIngestor(Deps{Events: h.conn.Events()}, Options{Secret: secret})
	err := other.Ingest(context.Background(), raw, Sign(raw, secret), now())
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	other.Close()
}

func TestDispatch_RetriesWithLinearBackoff(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.in.On(PixReceived, func(ctx context.Context, ev *Event) error {
		if calls.Add(1) < 3 {
			return errors.New("db indisponível")
		}
		return nil
	})

	raw := body(t, "evt-retry", PixReceived, pix("tx-1"))
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	h.in.Close()

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps)
	processed := h.conn.Processed()
	require.Len(t, processed, 1)
	assert.Equal(t, "success", processed[0].Outcome)
}

func TestDispatch_ExhaustionDoesNotBlockLaterEvents(t *testing.T) {
	h := newHarness(t)
	var failing, ok atomic.Int32
	h.in.On(BoletoExpired, func(ctx context.Context, ev *Event) error {
		failing.Add(1)
		return errors.New("sempre falha")
	})
	h.in.On(PixReceived, func(ctx context.Context, ev *Event) error { ok.Add(1); return nil })

	first := body(t, "evt-a", BoletoExpired, map[string]any{"nosso_numero": "999"})
	second := body(t, "evt-b", PixReceived, pix("tx-2"))
	require.NoError(t, h.in.Ingest(context.Background(), first, Sign(first, secret), now()))
	require.NoError(t, h.in.Ingest(context.Background(), second, Sign(second, secret), now()))
	h.in.Close()

	assert.EqualValues(t, 1+DefaultRetries, failing.Load())
	assert.EqualValues(t, 1, ok.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, h.sleeps)

	outcomes := map[string]string{}
	for _, pe := range h.conn.Processed() {
		outcomes[pe.EventID] = pe.Outcome
	}
	assert.Equal(t, map[string]string{"evt-a": "failed", "evt-b": "success"}, outcomes)
}

func TestDispatch_InOrderSingleConsumer(t *testing.T) {
	h := newHarness(t)
	var (
		mu      sync.Mutex
		seen    []string
		running atomic.Int32
	)
	h.in.On(PixReceived, func(ctx context.Context, ev *Event) error {
		if running.Add(1) > 1 {
			t.Error("dois handlers em paralelo")
		}
		defer running.Add(-1)
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
		return nil
	})

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("evt-%02d", i)
		want = append(want, id)
		raw := body(t, id, PixReceived, pix("tx-"+id))
		require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	}
	h.in.Close()
	assert.Equal(t, want, seen)
}

func TestOnOff(t *testing.T) {
	h := newHarness(t)
	var a, b atomic.Int32
	subA := h.in.On(CobrancaPaid, func(ctx context.Context, ev *Event) error { a.Add(1); return nil })
	h.in.On(CobrancaPaid, func(ctx context.Context, ev *Event) error { b.Add(1); return nil })
	assert.True(t, h.in.Off(subA))
	assert.False(t, h.in.Off(subA))

	raw := body(t, "evt-off", CobrancaPaid, map[string]any{"id": "cob-1", "valor": 10})
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	h.in.Close()
	assert.Zero(t, a.Load())
	assert.EqualValues(t, 1, b.Load())
}

func TestDispatch_PanicIsRecoveredAsFailure(t *testing.T) {
	h := newHarness(t)
	h.in.On(PixReturned, func(ctx context.Context, ev *Event) error { panic("boom") })

	raw := body(t, "evt-panic", PixReturned, map[string]any{"txid": "tx-9"})
	require.NoError(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()))
	h.in.Close()

	processed := h.conn.Processed()
	require.Len(t, processed, 1)
	assert.Equal(t, "failed", processed[0].Outcome)
	assert.Contains(t, processed[0].Error, "boom")
}

func TestIngest_AfterClose(t *testing.T) {
	h := newHarness(t)
	h.in.Close()
	raw := body(t, "evt-late", PixReceived, pix("tx-1"))
	assert.ErrorIs(t, h.in.Ingest(context.Background(), raw, Sign(raw, secret), now()), ErrClosed)
}

func TestVerifySignature(t *testing.T) {
	raw := []byte(`{"eventId":"1"}`)
	assert.NoError(t, VerifySignature(raw, Sign(raw, secret), secret))
	assert.NoError(t, VerifySignature(raw, "sha256="+Sign(raw, secret), secret))
	assert.ErrorIs(t, VerifySignature(raw, "", secret), domain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(raw, "não-hex", secret), domain.ErrInvalidSignature)

	var ce *domain.ConfigurationError
	assert.ErrorAs(t, VerifySignature(raw, Sign(raw, secret), ""), &ce)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2026-03-01T10:00:00.250-03:00")
	require.NoError(t, err)
	assert.Equal(t, 13, ts.UTC().Hour())

	ts, err = ParseTimestamp("1767225600")
	require.NoError(t, err)
	assert.Equal(t, int64(1767225600), ts.Unix())

	_, err = ParseTimestamp("")
	assert.Error(t, err)
}
