package auth

import (
	"sync"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// DefaultRefreshSkew: el token se renueva cuando le quedan menos de 5 minutos.
const DefaultRefreshSkew = 300 * time.Second

// TokenCache guarda un único bearer token. Get solo lo devuelve si le queda
// más de skew de validez; en la ventana de skew se considera vencido.
type TokenCache struct {
	mu   sync.RWMutex
	tok  *domain.AccessToken
	skew time.Duration
	now  func() time.Time
}

func NewTokenCache(skew time.Duration) *TokenCache {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &TokenCache{skew: skew, now: time.Now}
}

// Get retorna el token vigente y true, o "" y false si hay que renovar.
func (c *TokenCache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tok == nil {
		return "", false
	}
	if c.tok.Remaining(c.now()) <= c.skew {
		return "", false
	}
	return c.tok.Value, true
}

// Set reemplaza el token cacheado (un fetch exitoso siempre pisa la entrada).
func (c *TokenCache) Set(value string, expiresIn time.Duration) domain.AccessToken {
	now := c.now()
	t := domain.AccessToken{Value: value, ObtainedAt: now, ExpiresAt: now.Add(expiresIn)}
	c.mu.Lock()
	c.tok = &t
	c.mu.Unlock()
	return t
}

func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}

// Snapshot retorna una copia del token actual (nil si no hay).
func (c *TokenCache) Snapshot() *domain.AccessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tok == nil {
		return nil
	}
	t := *c.tok
	return &t
}
