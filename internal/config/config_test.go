package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/security/secretbox"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "2", cfg.NFSe.Environment)
	assert.Equal(t, "infDPS", cfg.NFSe.SignatureAnchor)
	assert.Equal(t, 3, cfg.NFSe.MaxRetries)
	assert.Equal(t, time.Second, cfg.NFSe.RetryBase)
	assert.Equal(t, 300*time.Second, cfg.NFSe.OAuth.RefreshSkew)
	assert.Equal(t, 300*time.Second, cfg.Webhook.Tolerance)
	assert.Equal(t, 5*time.Minute, cfg.Certisign.SignTTL)
	assert.Equal(t, []string{"pix", "boleto", "cobranca"}, cfg.Sicoob.OAuth.Scopes)
	assert.Equal(t, "https://sefin.hom.nfse.gov.br/sefinnacional", cfg.NFSeBaseURL())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfsegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: prod
nfse:
  environment: "1"
  producao_base_url: " 'https://sefin.nfse.gov.br/sefinnacional/' "
  retry_base: 2s
webhook:
  queue_size: 16
`), 0o600))

	t.Setenv("NFSE_MAX_RETRIES", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NFSE_SCOPES", "emissao consulta")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, "https://sefin.nfse.gov.br/sefinnacional", cfg.NFSeBaseURL())
	assert.Equal(t, 2*time.Second, cfg.NFSe.RetryBase)
	assert.Equal(t, 16, cfg.Webhook.QueueSize)
	assert.Equal(t, 5, cfg.NFSe.MaxRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"emissao", "consulta"}, cfg.NFSe.OAuth.Scopes)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nfse: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.NFSe.Credentials.PFXPath = "/certs/nfse.pfx"
		cfg.NFSe.OAuth.TokenURL = "https://auth.example/token"
		cfg.NFSe.OAuth.ClientID = "cli"
		cfg.Sicoob.WebhookSecret = "s1"
		cfg.Certisign.BaseURL = "https://sign.example"
		cfg.Certisign.WebhookSecret = "s2"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(c *Config)
		field  string
	}{
		"sem credenciais":    {func(c *Config) { c.NFSe.Credentials = Credentials{} }, "nfse.credentials"},
		"pem incompleto":     {func(c *Config) { c.NFSe.Credentials = Credentials{CertPath: "c.pem"} }, "nfse.credentials"},
		"sem token url":      {func(c *Config) { c.NFSe.OAuth.TokenURL = "" }, "nfse.oauth"},
		"sem segredo sicoob": {func(c *Config) { c.Sicoob.WebhookSecret = "" }, "sicoob.webhook_secret"},
		"sem certisign":      {func(c *Config) { c.Certisign.BaseURL = "" }, "certisign.base_url"},
		"postgres sem dsn":   {func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			var ce *domain.ConfigurationError
			require.True(t, errors.As(cfg.Validate(), &ce))
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestLoad_OpensSealedSecrets(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	box, err := secretbox.New(key)
	require.NoError(t, err)
	sealed, err := box.Seal("segredo-sicoob")
	require.NoError(t, err)

	t.Setenv(secretbox.KeyEnv, key)
	t.Setenv("SICOOB_WEBHOOK_SECRET", sealed)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "segredo-sicoob", cfg.Sicoob.WebhookSecret)

	t.Setenv(secretbox.KeyEnv, "")
	_, err = Load("")
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "sicoob.webhook_secret", ce.Field)
}
