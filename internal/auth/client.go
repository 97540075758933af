// Package auth obtiene y cachea bearer tokens OAuth2 (client_credentials) sobre
// el canal mTLS, con reintentos y renovación anticipada.
package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/nfsegate/internal/config"
	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

var defaultScopes = []string{"pix", "boleto", "cobranca"}

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenResponse es la respuesta del token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Client implementa el flujo client_credentials. Safe para uso concurrente.
type Client struct {
	cfg    config.OAuth
	http   *http.Client
	cache  *TokenCache
	signer crypto.Signer
	sf     singleflight.Group
	now    func() time.Time
}

type Option func(*Client)

// WithSigner habilita client_assertion (RFC 7523) cuando no hay client_secret.
func WithSigner(s crypto.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithClock reemplaza el reloj (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.cache.now = now
	}
}

// NewClient crea un Client. httpClient debe venir del CredentialStore (mTLS).
func NewClient(cfg config.OAuth, httpClient *http.Client, opts ...Option) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		cfg:   cfg,
		http:  httpClient,
		cache: NewTokenCache(cfg.RefreshSkew),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetAccessToken retorna el token cacheado si le queda más que el skew; si no,
// hace un único fetch compartido por todos los llamadores concurrentes.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cache.Get(); ok {
		return tok, nil
	}
	logger.From(ctx).Debug("token ausente ou na janela de renovação", logger.Component("auth"))
	return c.fetchShared(ctx)
}

// RefreshToken descarta el token cacheado y obtiene uno nuevo.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	logger.From(ctx).Info("renovando token manualmente", logger.Component("auth"))
	c.cache.Clear()
	return c.fetchShared(ctx)
}

// ClearCache descarta el token cacheado.
func (c *Client) ClearCache() {
	c.cache.Clear()
	logger.Named("auth").Info("cache de token limpo")
}

// Token retorna una copia del token cacheado, o nil.
func (c *Client) Token() *domain.AccessToken {
	return c.cache.Snapshot()
}

func (c *Client) fetchShared(ctx context.Context) (string, error) {
	// El fetch corre desacoplado de la cancelación del primer llamador; cada
	// llamador espera con su propio ctx.
	ch := c.sf.DoChan("token", func() (any, error) {
		return c.requestWithRetry(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) requestWithRetry(ctx context.Context) (string, error) {
	log := logger.From(ctx).With(logger.Component("auth"))
	var last error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		tr, err := c.requestToken(ctx)
		if err == nil {
			expires := time.Duration(tr.ExpiresIn) * time.Second
			c.cache.Set(tr.AccessToken, expires)
			log.Info("token obtido com sucesso",
				logger.Int("expires_in", tr.ExpiresIn),
				logger.Attempt(attempt),
			)
			return tr.AccessToken, nil
		}
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			// Configuración inválida: reintentar no cambia el resultado.
			log.Error("configuração OAuth inválida", logger.Err(err))
			return "", err
		}
		last = err
		log.Warn("erro ao requisitar token",
			logger.Attempt(attempt),
			logger.Int("max_retries", c.cfg.MaxRetries),
			logger.Err(err),
		)
		if attempt < c.cfg.MaxRetries {
			delay := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			log.Debug("aguardando para nova tentativa", logger.Delay(delay))
			if err := sleep(ctx, delay); err != nil {
				return "", &domain.AuthError{Attempts: attempt, Err: err}
			}
		}
	}
	return "", &domain.AuthError{Attempts: c.cfg.MaxRetries, Err: last}
}

func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	if c.cfg.TokenURL == "" {
		return nil, &domain.ConfigurationError{Field: "oauth.token_url", Reason: "não configurado"}
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	if err := c.authenticate(form); err != nil {
		return nil, err
	}
	form.Set("scope", strings.Join(c.cfg.Scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("token: decode response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token: resposta sem access_token")
	}
	return &tr, nil
}

// authenticate agrega client_secret o, en su defecto, un client_assertion firmado.
func (c *Client) authenticate(form url.Values) error {
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
		return nil
	}
	if c.signer == nil || c.cfg.AssertionAudience == "" {
		return nil
	}
	assertion, err := c.clientAssertion()
	if err != nil {
		return fmt.Errorf("token: client assertion: %w", err)
	}
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)
	return nil
}

func (c *Client) clientAssertion() (string, error) {
	var method jwtv5.SigningMethod
	switch c.signer.(type) {
	case *rsa.PrivateKey:
		method = jwtv5.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwtv5.SigningMethodES256
	default:
		return "", fmt.Errorf("tipo de chave não suportado %T", c.signer)
	}
	now := c.now()
	claims := jwtv5.RegisteredClaims{
		Issuer:    c.cfg.ClientID,
		Subject:   c.cfg.ClientID,
		Audience:  jwtv5.ClaimStrings{c.cfg.AssertionAudience},
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(2 * time.Minute)),
		ID:        uuid.NewString(),
	}
	return jwtv5.NewWithClaims(method, claims).SignedString(c.signer)
}

// ValidateToken consulta el endpoint de validación. Nunca falla: cualquier error
// es "inválido"; sin endpoint configurado ni derivable se asume válido.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	log := logger.From(ctx).With(logger.Component("auth"))
	endpoint := c.validationEndpoint()
	if endpoint == "" {
		log.Warn("endpoint de validação de token não configurado")
		return true
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("token inválido ou expirado", logger.Err(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		log.Warn("token inválido ou expirado", logger.Status(resp.StatusCode))
		return false
	}
	return true
}

// validationEndpoint: explícito, o derivado de ".../token" → ".../token/validate".
func (c *Client) validationEndpoint() string {
	if c.cfg.ValidateURL != "" {
		return c.cfg.ValidateURL
	}
	u, err := url.Parse(c.cfg.TokenURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if strings.HasSuffix(u.Path, "/token") {
		u.Path += "/validate"
		return u.String()
	}
	return ""
}

// ClientInfo consulta "<auth base>/client/info" con el bearer vigente.
func (c *Client) ClientInfo(ctx context.Context) (map[string]any, error) {
	tok, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(c.cfg.TokenURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/token") + "/client/info"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "client_info", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
