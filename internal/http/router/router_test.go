package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	em "github.com/dropDatabas3/nfsegate/internal/emission"
	emctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/emission"
	healthctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/health"
	sigctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/signature"
	whctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/webhook"
	"github.com/dropDatabas3/nfsegate/internal/http/dto"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/rate"
	"github.com/dropDatabas3/nfsegate/internal/signature"
	"github.com/dropDatabas3/nfsegate/internal/store/memory"
	"github.com/dropDatabas3/nfsegate/internal/webhook"
)

const (
	webhookSecret  = "wh-secret"
	callbackSecret = "cb-secret"
)

type fakeEmitter struct {
	rec *domain.EmissionRecord
	err error
}

func (f *fakeEmitter) Emit(ctx context.Context, req em.EmitRequest, maxRetries int) (*domain.EmissionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeEmitter) PollStatus(ctx context.Context, protocol string) (*domain.EmissionRecord, error) {
	if f.rec == nil || f.rec.Protocol != protocol {
		return nil, domain.ErrNotFound
	}
	return f.rec, nil
}

type fakeProvider struct{}

func (fakeProvider) CreateSignRequest(ctx context.Context, req signature.ProviderRequest) (*signature.ProviderResponse, error) {
	return &signature.ProviderResponse{ExternalSignID: "EXT-1", QRCodeURL: "https://qr/1"}, nil
}

type env struct {
	handler http.Handler
	conn    *memory.Conn
	ingest  *webhook.Ingestor
	coord   *signature.Coordinator
	emitter *fakeEmitter
}

func newEnv(t *testing.T, limiter rate.Limiter, checks map[string]healthctrl.Check) *env {
	t.Helper()
	conn := memory.New()
	in := webhook.NewIngestor(webhook.Deps{Events: conn.Events()}, webhook.Options{Secret: webhookSecret})
	in.Start(context.Background())
	t.Cleanup(in.Close)

	coord := signature.NewCoordinator(signature.Deps{
		Directory: conn.Enrollments(),
		Requests:  conn.SignRequests(),
		Audit:     conn.Audit(),
		Provider:  fakeProvider{},
	})
	emitter := &fakeEmitter{}
	window := metrics.NewWindow(24 * time.Hour)
	window.Record(true, 120*time.Millisecond, "")

	h := New(Deps{
		Health:      healthctrl.NewController("test", checks),
		Webhook:     whctrl.NewController(in),
		Signature:   sigctrl.NewController(coord, callbackSecret),
		Emission:    emctrl.NewController(emitter, conn.Emissions(), window),
		RateLimiter: limiter,
	})
	return &env{handler: h, conn: conn, ingest: in, coord: coord, emitter: emitter}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func webhookRequest(body, sig, ts string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	return req
}

func pixBody(id string) string {
	return `{"eventId":"` + id + `","timestamp":"` + time.Now().UTC().Format(time.RFC3339) +
		`","eventType":"pix.received","data":{"txid":"tx-1","valor":10.5}}`
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Code
}

func TestWebhookRoute(t *testing.T) {
	e := newEnv(t, nil, nil)
	now := time.Now().UTC().Format(time.RFC3339)

	body := pixBody("evt-1")
	rr := e.do(webhookRequest(body, webhook.Sign([]byte(body), "errado"), now))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rr))

	stale := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	rr = e.do(webhookRequest(body, webhook.Sign([]byte(body), webhookSecret), stale))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "STALE_TIMESTAMP", errorCode(t, rr))

	rr = e.do(webhookRequest(body, webhook.Sign([]byte(body), webhookSecret), now))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var ack dto.WebhookAck
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	assert.Equal(t, "accepted", ack.Status)

	rr = e.do(webhookRequest(body, webhook.Sign([]byte(body), webhookSecret), now))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	assert.Equal(t, "duplicate", ack.Status)

	bad := `{"eventId":"evt-2","timestamp":"` + now + `","eventType":"pix.received","data":{}}`
	rr = e.do(webhookRequest(bad, webhook.Sign([]byte(bad), webhookSecret), now))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, rr))
}

func TestWebhookRoute_RateLimited(t *testing.T) {
	e := newEnv(t, rate.NewMemoryLimiter(1, time.Minute), nil)
	now := time.Now().UTC().Format(time.RFC3339)

	first := pixBody("evt-a")
	rr := e.do(webhookRequest(first, webhook.Sign([]byte(first), webhookSecret), now))
	require.Equal(t, http.StatusOK, rr.Code)

	second := pixBody("evt-b")
	rr = e.do(webhookRequest(second, webhook.Sign([]byte(second), webhookSecret), now))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestSignatureCallbackRoute(t *testing.T) {
	e := newEnv(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, e.conn.Enrollments().SaveEnrollment(ctx, &domain.Enrollment{
		ID: "enr-1", UserID: "user-1", ValidUntil: time.Now().Add(time.Hour), Status: "ACTIVE",
	}))
	sr, err := e.coord.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	body := `{"signRequestId":"` + sr.ID + `","signatureValue":"SIG==","signatureAlgorithm":"RSA-SHA256"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/signatures/callback", strings.NewReader(body))
	req.Header.Set("X-Signature", "00")
	rr := e.do(req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/signatures/callback", strings.NewReader(body))
	req.Header.Set("X-Signature", signature.Sign([]byte(body), callbackSecret))
	rr = e.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var got domain.SignRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, domain.SignApproved, got.Status)

	// Segundo callback: ya terminal.
	req = httptest.NewRequest(http.MethodPost, "/v1/signatures/callback", strings.NewReader(body))
	req.Header.Set("X-Signature", signature.Sign([]byte(body), callbackSecret))
	rr = e.do(req)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/v1/signatures/"+sr.ID, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = e.do(httptest.NewRequest(http.MethodGet, "/v1/signatures/nao-existe", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func emitRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/emissions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestEmissionRoutes(t *testing.T) {
	e := newEnv(t, nil, nil)

	rr := e.do(emitRequest(`{"userId":"user-1"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	e.emitter.rec = &domain.EmissionRecord{Protocol: "PROTO-1", Status: domain.EmissionQueued, Situacao: "EM_FILA"}
	rr = e.do(emitRequest(`{"userId":"user-1","documentXml":"<DPS/>","signed":true}`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var rec domain.EmissionRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "PROTO-1", rec.Protocol)

	rr = e.do(httptest.NewRequest(http.MethodPost, "/v1/emissions/PROTO-1/poll", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	e.emitter.err = &domain.EmissionError{Attempts: 0, Elapsed: time.Second, Err: &domain.SignatureRejectedError{SignRequestID: "sr-9"}}
	rr = e.do(emitRequest(`{"userId":"user-1","documentXml":"<DPS/>"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var failure dto.EmitFailure
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failure))
	assert.Equal(t, "SIGNATURE_REJECTED", failure.Code)
	assert.EqualValues(t, 1000, failure.ElapsedMs)

	e.emitter.err = &domain.EmissionError{Attempts: 3, Err: &domain.UpstreamError{StatusCode: 503, Body: []byte("down")}}
	rr = e.do(emitRequest(`{"userId":"user-1","documentXml":"<DPS/>"}`))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failure))
	assert.Equal(t, 3, failure.Attempts)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/v1/metrics/emissions", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.EqualValues(t, 1, summary["totalEmissions"])
}

func TestHealthAndInfraRoutes(t *testing.T) {
	e := newEnv(t, nil, map[string]healthctrl.Check{
		"store": func(ctx context.Context) error { return nil },
	})
	rr := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	down := newEnv(t, nil, map[string]healthctrl.Check{
		"cache": func(ctx context.Context) error { return errors.New("redis down") },
	})
	rr = down.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/v1/nao-existe", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rr))
}
