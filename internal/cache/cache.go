// Package cache provee un key/value con TTL sobre dos backends:
//
//   - Memory (go-cache, in-process, para desarrollo y un solo nodo)
//   - Redis (distribuido, para producción)
//
// Lo usa el ingestor de webhooks como índice de replay (SetNX) y el
// rate limiter de memoria.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/config"
)

// Client define las operaciones de cache.
type Client interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe.
	Get(ctx context.Context, key string) (string, error)

	// Set guarda un valor con TTL opcional. Si ttl es 0, no expira.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX guarda solo si la key no existe. Retorna true si la escribió.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error

	// Stats retorna estadísticas del cache.
	Stats(ctx context.Context) (Stats, error)
}

// Stats contiene estadísticas del cache.
type Stats struct {
	Driver     string `json:"driver"`
	Keys       int64  `json:"keys"`
	UsedMemory string `json:"usedMemory,omitempty"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
}

// ErrNotFound indica que la key no existe o expiró.
var ErrNotFound = errors.New("cache: chave não encontrada")

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New crea un cliente de cache según cfg.Cache.Kind.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.Cache.Kind {
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
	default:
		return NewMemory(cfg.Cache.Redis.Prefix, cfg.Cache.Memory.DefaultTTL), nil
	}
}

func prefixed(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + ":" + k
}
