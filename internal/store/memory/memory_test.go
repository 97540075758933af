package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

func TestOpenByName(t *testing.T) {
	conn, err := store.Open(context.Background(), store.AdapterConfig{Name: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", conn.Name())
	assert.Contains(t, store.Adapters(), "memory")

	_, err = store.Open(context.Background(), store.AdapterConfig{Name: "oracle"})
	var ce *domain.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestSignRequest_TransitionOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	repo := New().SignRequests()

	now := time.Now()
	require.NoError(t, repo.Create(ctx, &domain.SignRequest{ID: "sr1", Status: domain.SignPending, RequestedAt: now, ExpiresAt: now.Add(time.Minute)}))
	assert.ErrorIs(t, repo.Create(ctx, &domain.SignRequest{ID: "sr1"}), domain.ErrConflict)

	got, err := repo.Transition(ctx, "sr1", domain.SignTransition{To: domain.SignApproved, SignatureValue: "sig", SignatureAlgorithm: "RSA-SHA256", CompletedAt: now})
	require.NoError(t, err)
	assert.Equal(t, domain.SignApproved, got.Status)
	assert.Equal(t, "sig", *got.SignatureValue)

	cur, err := repo.Transition(ctx, "sr1", domain.SignTransition{To: domain.SignExpired, CompletedAt: now})
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, domain.SignApproved, cur.Status)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignRequest_TransitionAfterExpiry(t *testing.T) {
	ctx := context.Background()
	repo := New().SignRequests()

	now := time.Now()
	require.NoError(t, repo.Create(ctx, &domain.SignRequest{ID: "sr1", Status: domain.SignPending, RequestedAt: now, ExpiresAt: now.Add(time.Minute)}))

	late := now.Add(2 * time.Minute)
	cur, err := repo.Transition(ctx, "sr1", domain.SignTransition{To: domain.SignApproved, SignatureValue: "sig", CompletedAt: late})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.SignPending, cur.Status)
	assert.Nil(t, cur.SignatureValue)

	_, err = repo.Transition(ctx, "sr1", domain.SignTransition{To: domain.SignRejected, CompletedAt: late})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := repo.Transition(ctx, "sr1", domain.SignTransition{To: domain.SignExpired, CompletedAt: late})
	require.NoError(t, err)
	assert.Equal(t, domain.SignExpired, got.Status)
}

func TestSignRequest_StoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := New().SignRequests()
	require.NoError(t, repo.Create(ctx, &domain.SignRequest{ID: "sr", Status: domain.SignPending}))
	require.NoError(t, repo.AttachProvider(ctx, "sr", "ext-1", "https://qr"))

	a, _ := repo.Get(ctx, "sr")
	*a.ExternalSignID = "mutado"
	b, _ := repo.Get(ctx, "sr")
	assert.Equal(t, "ext-1", *b.ExternalSignID)
}

func TestEnrollments_ActiveOnly(t *testing.T) {
	ctx := context.Background()
	repo := New().Enrollments()
	require.NoError(t, repo.SaveEnrollment(ctx, &domain.Enrollment{ID: "e1", UserID: "u1", ValidUntil: time.Now().Add(time.Hour), Status: "ACTIVE"}))
	require.NoError(t, repo.SaveEnrollment(ctx, &domain.Enrollment{ID: "e2", UserID: "u2", ValidUntil: time.Now().Add(-time.Hour)}))

	e, err := repo.GetActiveEnrollment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)

	_, err = repo.GetActiveEnrollment(ctx, "u2")
	assert.ErrorIs(t, err, domain.ErrNoActiveCertificate)
	_, err = repo.GetActiveEnrollment(ctx, "u3")
	assert.ErrorIs(t, err, domain.ErrNoActiveCertificate)
}

func TestEmissionsAndCharges(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.Emissions().Save(ctx, &domain.EmissionRecord{Protocol: "P1", Status: domain.EmissionQueued}))
	rec, err := c.Emissions().UpdateStatus(ctx, "P1", store.EmissionUpdate{Status: domain.EmissionAuthorized, AccessKey: domain.StrPtr("CHAVE")})
	require.NoError(t, err)
	assert.Equal(t, domain.EmissionAuthorized, rec.Status)
	_, err = c.Emissions().UpdateStatus(ctx, "P2", store.EmissionUpdate{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ch, err := c.Charges().UpdateStatus(ctx, "txid-1", "pix", domain.ChargePaid, map[string]any{"pix.received": "2025-01-10"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargePaid, ch.Status)
	ch, err = c.Charges().UpdateStatus(ctx, "txid-1", "pix", domain.ChargeReturned, map[string]any{"pix.returned": "2025-01-11"})
	require.NoError(t, err)
	assert.Len(t, ch.History, 2)
}
