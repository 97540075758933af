package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configura el backend Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis implementa Client usando go-redis.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis crea el cliente y verifica la conexión.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping no redis falhou: %w", err)
	}
	return &Redis{client: rdb, prefix: opts.Prefix}, nil
}

// NewRedisFromClient envuelve un cliente existente (sin ping).
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	return &Redis{client: rdb, prefix: prefix}
}

// Raw expone el cliente subyacente (lo comparte el rate limiter).
func (c *Redis) Raw() *redis.Client { return c.client }

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, prefixed(c.prefix, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = redis.KeepTTL
	}
	return c.client.Set(ctx, prefixed(c.prefix, key), value, ttl).Err()
}

func (c *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.SetNX(ctx, prefixed(c.prefix, key), value, ttl).Result()
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, prefixed(c.prefix, key)).Err()
}

func (c *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, prefixed(c.prefix, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) Stats(ctx context.Context) (Stats, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return Stats{}, err
	}
	usedMemory := infoField(info, "used_memory_human")

	keys, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, err
	}

	var hits, misses int64
	if statsInfo, err := c.client.Info(ctx, "stats").Result(); err == nil {
		fmt.Sscanf(infoField(statsInfo, "keyspace_hits"), "%d", &hits)
		fmt.Sscanf(infoField(statsInfo, "keyspace_misses"), "%d", &misses)
	}

	return Stats{
		Driver:     "redis",
		Keys:       keys,
		UsedMemory: usedMemory,
		Hits:       hits,
		Misses:     misses,
	}, nil
}

func infoField(info, name string) string {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return v
		}
	}
	return ""
}
