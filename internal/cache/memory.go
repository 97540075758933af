package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory implementa Client sobre go-cache.
type Memory struct {
	prefix string
	c      *gocache.Cache
	mu     sync.Mutex // serializa SetNX
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory crea un cliente en memoria. defaultTTL aplica cuando Set recibe
// ttl < 0; ttl == 0 significa sin expiración.
func NewMemory(prefix string, defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Memory{prefix: prefix, c: gocache.New(defaultTTL, time.Minute)}
}

func ttlFor(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return gocache.NoExpiration
	case ttl < 0:
		return gocache.DefaultExpiration
	default:
		return ttl
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.c.Get(prefixed(m.prefix, key))
	if !ok {
		m.misses.Add(1)
		return "", ErrNotFound
	}
	m.hits.Add(1)
	s, _ := v.(string)
	return s, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.c.Set(prefixed(m.prefix, key), value, ttlFor(ttl))
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Add falla si la key existe y no expiró.
	if err := m.c.Add(prefixed(m.prefix, key), value, ttlFor(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.c.Delete(prefixed(m.prefix, key))
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.c.Get(prefixed(m.prefix, key))
	return ok, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	return Stats{
		Driver: "memory",
		Keys:   int64(m.c.ItemCount()),
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
	}, nil
}
