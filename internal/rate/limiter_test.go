package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(2, time.Minute)
	base := time.Date(2025, 1, 10, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return base }

	r, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.EqualValues(t, 1, r.Remaining)

	r, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, r.Allowed)

	r, _ = l.Allow(ctx, "1.2.3.4")
	assert.False(t, r.Allowed)
	assert.EqualValues(t, 0, r.Remaining)
	assert.Equal(t, 50*time.Second, r.RetryAfter)

	// otra key, otro contador
	r, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, r.Allowed)

	// ventana siguiente
	l.now = func() time.Time { return base.Add(time.Minute) }
	r, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, r.Allowed)
}

func TestResult_RetryAfterFallback(t *testing.T) {
	r := result(5, 1, -1, 30*time.Second)
	assert.False(t, r.Allowed)
	assert.Equal(t, 30*time.Second, r.RetryAfter)
}
