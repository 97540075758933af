package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/config"
)

func TestMemory_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("nfsegate", time.Hour)

	_, err := c.Get(ctx, "k")
	assert.True(t, IsNotFound(err))

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, _ := c.Exists(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, _ = c.Exists(ctx, "k")
	assert.False(t, ok)

	st, _ := c.Stats(ctx)
	assert.Equal(t, "memory", st.Driver)
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("", 0)
	require.NoError(t, c.Set(ctx, "k", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SetNXSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("", time.Hour)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(ctx, "evt-1", "1", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestNew_DefaultsToMemory(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	_, isMem := c.(*Memory)
	assert.True(t, isMem)
}

func TestInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	assert.Equal(t, "1.00K", infoField(info, "used_memory_human"))
	assert.Equal(t, "", infoField(info, "missing"))
}
