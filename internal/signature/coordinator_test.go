package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store/memory"
)

type fakeProvider struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) CreateSignRequest(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &ProviderResponse{
		ExternalSignID: "EXT-" + req.SignRequestID,
		QRCodeURL:      "https://sign.example/aprovar/" + req.SignRequestID,
	}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *fakeNotifier) Send(ctx context.Context, userID, template string, args map[string]any) error {
	n.mu.Lock()
	n.sends = append(n.sends, userID+":"+template)
	n.mu.Unlock()
	return nil
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *memory.Conn, *fakeNotifier) {
	t.Helper()
	conn := memory.New()
	require.NoError(t, conn.Enrollments().SaveEnrollment(context.Background(), &domain.Enrollment{
		ID: "enr-1", UserID: "user-1", ValidUntil: time.Now().Add(24 * time.Hour), Status: "ACTIVE",
	}))
	n := &fakeNotifier{}
	c := NewCoordinator(Deps{
		Directory: conn.Enrollments(),
		Requests:  conn.SignRequests(),
		Audit:     conn.Audit(),
		Provider:  &fakeProvider{},
		Notifier:  n,
	}, opts...)
	return c, conn, n
}

func auditEvents(t *testing.T, conn *memory.Conn, id string) []string {
	t.Helper()
	entries, err := conn.Audit().List(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func TestRequestSignature_CreatesPendingRequest(t *testing.T) {
	c, conn, n := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.RequestSignature(ctx, "user-1", "abc123", domain.DocumentDPS, domain.StrPtr("DPS-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.SignPending, req.Status)
	assert.Equal(t, "enr-1", req.EnrollmentID)
	assert.Equal(t, HashAlgorithm, req.HashAlgorithm)
	assert.WithinDuration(t, req.RequestedAt.Add(DefaultTTL), req.ExpiresAt, time.Millisecond)

	stored, err := conn.SignRequests().Get(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalSignID)
	assert.Equal(t, "EXT-"+req.ID, *stored.ExternalSignID)

	assert.Equal(t, []string{domain.AuditSignatureRequested}, auditEvents(t, conn, req.ID))
	assert.Equal(t, []string{"user-1:signature_requested"}, n.sends)
}

func TestRequestSignature_NoActiveCertificate(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.RequestSignature(context.Background(), "user-sem-cert", "abc", domain.DocumentDPS, nil)
	assert.ErrorIs(t, err, domain.ErrNoActiveCertificate)
}

func TestAwaitApproval_WokenByCallback(t *testing.T) {
	// Poll de 1h: solo el canal de completado puede despertar la espera.
	c, conn, _ := newTestCoordinator(t, WithPollInterval(time.Hour))
	ctx := context.Background()
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = c.HandleCallback(ctx, Callback{SignRequestID: req.ID, SignatureValue: "SIG==", SignatureAlgorithm: "RSA-SHA256"})
	}()

	start := time.Now()
	got, err := c.AwaitApproval(ctx, req.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.SignApproved, got.Status)
	assert.Equal(t, "SIG==", *got.SignatureValue)
	assert.Equal(t, []string{domain.AuditSignatureRequested, domain.AuditSignatureReceived}, auditEvents(t, conn, req.ID))
}

func TestAwaitApproval_TimeoutExpiresOnce(t *testing.T) {
	c, conn, _ := newTestCoordinator(t, WithPollInterval(20*time.Millisecond))
	ctx := context.Background()
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.AwaitApproval(ctx, req.ID, 100*time.Millisecond)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		var te *domain.SignatureTimeoutError
		assert.ErrorAs(t, err, &te)
	}
	stored, _ := conn.SignRequests().Get(ctx, req.ID)
	assert.Equal(t, domain.SignExpired, stored.Status)

	expired := 0
	for _, e := range auditEvents(t, conn, req.ID) {
		if e == domain.AuditSignatureExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)

	// Un callback tardío no reabre la solicitud.
	cur, err := c.HandleCallback(ctx, Callback{SignRequestID: req.ID, SignatureValue: "tarde"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.SignExpired, cur.Status)
	assert.Nil(t, cur.SignatureValue)
}

func TestAwaitApproval_Rejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t, WithPollInterval(10*time.Millisecond))
	ctx := context.Background()
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	_, err = c.HandleCallback(ctx, Callback{SignRequestID: req.ID, Status: "REJECTED"})
	require.NoError(t, err)

	_, err = c.AwaitApproval(ctx, req.ID, time.Second)
	var re *domain.SignatureRejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, req.ID, re.SignRequestID)
}

func TestAwaitApproval_ContextCancelled(t *testing.T) {
	c, conn, _ := newTestCoordinator(t, WithPollInterval(time.Hour))
	req, err := c.RequestSignature(context.Background(), "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.AwaitApproval(ctx, req.ID, time.Minute)
	var te *domain.SignatureTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, req.ID, te.SignRequestID)

	stored, err := conn.SignRequests().Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignExpired, stored.Status)
	assert.Contains(t, auditEvents(t, conn, req.ID), domain.AuditSignatureExpired)
}

func TestHandleCallback_AfterExpiryWithoutWaiter(t *testing.T) {
	c, conn, _ := newTestCoordinator(t, WithTTL(30*time.Millisecond))
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := logger.ToContext(context.Background(), zap.New(core))
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	cur, err := c.HandleCallback(ctx, Callback{SignRequestID: req.ID, SignatureValue: "LATE"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NotNil(t, cur)
	assert.Equal(t, domain.SignExpired, cur.Status)

	stored, err := conn.SignRequests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignExpired, stored.Status)
	assert.Nil(t, stored.SignatureValue)
	assert.NotContains(t, auditEvents(t, conn, req.ID), domain.AuditSignatureReceived)
	assert.Equal(t, 1, logs.FilterMessage("callback ignorado: solicitação expirada").Len())
	assert.Equal(t, 1, logs.FilterMessage("assinatura expirada").Len())

	// Un segundo callback tardío ve la solicitud ya terminal.
	cur, err = c.HandleCallback(ctx, Callback{SignRequestID: req.ID, Status: "REJECTED"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.SignExpired, cur.Status)
}

func TestHandleCallback_ExpiryFollowsClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, conn, _ := newTestCoordinator(t, WithTTL(time.Minute), WithClock(clock))
	ctx := context.Background()
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	_, err = c.HandleCallback(ctx, Callback{SignRequestID: req.ID, SignatureValue: "SIG"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	stored, _ := conn.SignRequests().Get(ctx, req.ID)
	assert.Equal(t, domain.SignExpired, stored.Status)
}

func TestHandleCallback_ConcurrentSingleWinner(t *testing.T) {
	c, conn, _ := newTestCoordinator(t)
	ctx := context.Background()
	req, err := c.RequestSignature(ctx, "user-1", "abc", domain.DocumentDPS, nil)
	require.NoError(t, err)

	var wins atomic.Int32
	var winner atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := fmt.Sprintf("SIG-%d", i)
			_, err := c.HandleCallback(ctx, Callback{SignRequestID: req.ID, SignatureValue: sig})
			if err == nil {
				wins.Add(1)
				winner.Store(sig)
			} else {
				assert.True(t, errors.Is(err, domain.ErrConflict))
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	stored, _ := conn.SignRequests().Get(ctx, req.ID)
	assert.Equal(t, winner.Load(), *stored.SignatureValue)
}

func TestCallbackVerification(t *testing.T) {
	body := []byte(`{"signRequestId":"sr-1","signatureValue":"SIG"}`)
	sig := Sign(body, "segredo")

	assert.NoError(t, VerifyCallback(body, sig, "segredo"))
	assert.ErrorIs(t, VerifyCallback(body, sig, "outro"), domain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifyCallback(body, "zz", "segredo"), domain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifyCallback([]byte(`{"signRequestId":"sr-2"}`), sig, "segredo"), domain.ErrInvalidSignature)

	var ce *domain.ConfigurationError
	assert.ErrorAs(t, VerifyCallback(body, sig, ""), &ce)

	cb, err := ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, "sr-1", cb.SignRequestID)

	_, err = ParseCallback([]byte(`{"signRequestId":"sr-1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	_, err = ParseCallback([]byte(`{"signRequestId":"sr-1","status":"rejected"}`))
	assert.NoError(t, err)
	_, err = ParseCallback([]byte(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign-requests", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var req ProviderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://nfsegate.local/cb", req.CallbackURL)
		if req.SignRequestID == "boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ProviderResponse{ExternalSignID: "EXT-1", QRCodeURL: "https://qr/1"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", "key-1", "https://nfsegate.local/cb", srv.Client())
	resp, err := p.CreateSignRequest(context.Background(), ProviderRequest{SignRequestID: "sr-1"})
	require.NoError(t, err)
	assert.Equal(t, "EXT-1", resp.ExternalSignID)

	_, err = p.CreateSignRequest(context.Background(), ProviderRequest{SignRequestID: "boom"})
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
}
