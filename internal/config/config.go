package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/security/secretbox"
)

// Credentials describe de dónde cargar un certificado cliente mTLS.
// PFX (base64 o path) tiene prioridad sobre el par PEM.
type Credentials struct {
	CertPath  string `yaml:"cert_path"`
	KeyPath   string `yaml:"key_path"`
	CAPath    string `yaml:"ca_path"`
	CABase64  string `yaml:"ca_base64"`
	PFXBase64 string `yaml:"pfx_base64"`
	PFXPath   string `yaml:"pfx_path"`
	PFXPass   string `yaml:"pfx_pass"`
}

// OAuth configura un intercambio client_credentials.
type OAuth struct {
	TokenURL          string        `yaml:"token_url"`
	ValidateURL       string        `yaml:"validate_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	AssertionAudience string        `yaml:"assertion_audience"`
	Scopes            []string      `yaml:"scopes"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RefreshSkew       time.Duration `yaml:"refresh_skew"`
}

type Config struct {
	App struct {
		// dev | sandbox | prod
		Env     string `yaml:"env"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Driver   string `yaml:"driver"` // memory | postgres
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns int `yaml:"max_open_conns"`
			MinConns     int `yaml:"min_conns"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL time.Duration `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	Rate struct {
		Enabled bool          `yaml:"enabled"`
		Limit   int           `yaml:"limit"`
		Window  time.Duration `yaml:"window"`
	} `yaml:"rate"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		TLS      string `yaml:"tls"` // auto | starttls | ssl | none
	} `yaml:"smtp"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	// NFSe: API Nacional (SEFIN) para submissão de DPS.
	NFSe struct {
		Environment        string        `yaml:"environment"` // "1" produção | "2" homologação
		ProducaoBaseURL    string        `yaml:"producao_base_url"`
		HomologacaoBaseURL string        `yaml:"homologacao_base_url"`
		Version            string        `yaml:"version"`
		SchemaPath         string        `yaml:"schema_path"`
		SignatureAnchor    string        `yaml:"signature_anchor"`
		MaxRetries         int           `yaml:"max_retries"`
		RetryBase          time.Duration `yaml:"retry_base"`
		Timeout            time.Duration `yaml:"timeout"`
		Credentials        Credentials   `yaml:"credentials"`
		OAuth              OAuth         `yaml:"oauth"`
	} `yaml:"nfse"`

	// Sicoob: banco (PIX/boleto) y origen de los webhooks de pago.
	Sicoob struct {
		Environment   string        `yaml:"environment"` // sandbox | production
		BaseURL       string        `yaml:"base_url"`
		WebhookSecret string        `yaml:"webhook_secret"`
		Timeout       time.Duration `yaml:"timeout"`
		Credentials   Credentials   `yaml:"credentials"`
		OAuth         OAuth         `yaml:"oauth"`
	} `yaml:"sicoob"`

	// Certisign: proveedor de firma remota.
	Certisign struct {
		BaseURL       string        `yaml:"base_url"`
		APIKey        string        `yaml:"api_key"`
		CallbackURL   string        `yaml:"callback_url"`
		WebhookSecret string        `yaml:"webhook_secret"`
		SignTTL       time.Duration `yaml:"sign_ttl"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"certisign"`

	Webhook struct {
		Tolerance      time.Duration `yaml:"tolerance"`
		HandlerRetries int           `yaml:"handler_retries"`
		HandlerDelay   time.Duration `yaml:"handler_delay"`
		QueueSize      int           `yaml:"queue_size"`
	} `yaml:"webhook"`
}

// Load lee el YAML (si path != ""), aplica overrides de entorno y defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyEnvOverrides()
	if err := c.openSecrets(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// openSecrets abre los valores sellados ("enc:...") con la clave maestra.
// La clave solo se exige si hay al menos un valor sellado.
func (c *Config) openSecrets() error {
	fields := map[string]*string{
		"storage.dsn":                 &c.Storage.DSN,
		"cache.redis.password":        &c.Cache.Redis.Password,
		"smtp.password":               &c.SMTP.Password,
		"nfse.credentials.pfx_pass":   &c.NFSe.Credentials.PFXPass,
		"nfse.oauth.client_secret":    &c.NFSe.OAuth.ClientSecret,
		"sicoob.credentials.pfx_pass": &c.Sicoob.Credentials.PFXPass,
		"sicoob.oauth.client_secret":  &c.Sicoob.OAuth.ClientSecret,
		"sicoob.webhook_secret":       &c.Sicoob.WebhookSecret,
		"certisign.api_key":           &c.Certisign.APIKey,
		"certisign.webhook_secret":    &c.Certisign.WebhookSecret,
	}
	var box *secretbox.Box
	for field, v := range fields {
		if !secretbox.IsSealed(*v) {
			continue
		}
		if box == nil {
			var err error
			if box, err = secretbox.FromEnv(); err != nil {
				return &domain.ConfigurationError{Field: field, Reason: err.Error()}
			}
		}
		plain, err := box.Open(*v)
		if err != nil {
			return &domain.ConfigurationError{Field: field, Reason: err.Error()}
		}
		*v = plain
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == 0 {
		c.Cache.Memory.DefaultTTL = 72 * time.Hour
	}
	if c.Rate.Limit == 0 {
		c.Rate.Limit = 120
	}
	if c.Rate.Window == 0 {
		c.Rate.Window = time.Minute
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "auto"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "payments.reconciled"
	}

	// NFSe
	if c.NFSe.Environment == "" {
		c.NFSe.Environment = "2"
	}
	if c.NFSe.ProducaoBaseURL == "" {
		c.NFSe.ProducaoBaseURL = "https://sefin.nfse.gov.br/sefinnacional"
	}
	if c.NFSe.HomologacaoBaseURL == "" {
		c.NFSe.HomologacaoBaseURL = "https://sefin.hom.nfse.gov.br/sefinnacional"
	}
	if c.NFSe.Version == "" {
		c.NFSe.Version = "1.00"
	}
	if c.NFSe.SignatureAnchor == "" {
		c.NFSe.SignatureAnchor = "infDPS"
	}
	if c.NFSe.MaxRetries == 0 {
		c.NFSe.MaxRetries = 3
	}
	if c.NFSe.RetryBase == 0 {
		c.NFSe.RetryBase = time.Second
	}
	if c.NFSe.Timeout == 0 {
		c.NFSe.Timeout = 60 * time.Second
	}
	oauthDefaults(&c.NFSe.OAuth)

	// Sicoob
	if c.Sicoob.Environment == "" {
		c.Sicoob.Environment = "sandbox"
	}
	if c.Sicoob.Timeout == 0 {
		c.Sicoob.Timeout = 10 * time.Second
	}
	oauthDefaults(&c.Sicoob.OAuth)
	if len(c.Sicoob.OAuth.Scopes) == 0 {
		c.Sicoob.OAuth.Scopes = []string{"pix", "boleto", "cobranca"}
	}

	// Certisign
	if c.Certisign.SignTTL == 0 {
		c.Certisign.SignTTL = 5 * time.Minute
	}
	if c.Certisign.PollInterval == 0 {
		c.Certisign.PollInterval = 3 * time.Second
	}
	if c.Certisign.Timeout == 0 {
		c.Certisign.Timeout = 15 * time.Second
	}

	// Webhook
	if c.Webhook.Tolerance == 0 {
		c.Webhook.Tolerance = 300 * time.Second
	}
	if c.Webhook.HandlerRetries == 0 {
		c.Webhook.HandlerRetries = 3
	}
	if c.Webhook.HandlerDelay == 0 {
		c.Webhook.HandlerDelay = time.Second
	}
	if c.Webhook.QueueSize == 0 {
		c.Webhook.QueueSize = 256
	}
}

func oauthDefaults(o *OAuth) {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.RefreshSkew == 0 {
		o.RefreshSkew = 300 * time.Second
	}
}

// NFSeBaseURL resuelve la URL base según el ambiente (tpAmb).
func (c *Config) NFSeBaseURL() string {
	base := c.NFSe.HomologacaoBaseURL
	if c.NFSe.Environment == "1" {
		base = c.NFSe.ProducaoBaseURL
	}
	return sanitizeURL(base)
}

// IsProd indica si el proceso corre en producción.
func (c *Config) IsProd() bool {
	return c.App.Env == "prod" || c.App.Env == "production"
}

// Validate verifica lo mínimo para arrancar el servicio. Devuelve
// *domain.ConfigurationError para credenciales ausentes.
func (c *Config) Validate() error {
	if !hasCredentials(c.NFSe.Credentials) {
		return &domain.ConfigurationError{Field: "nfse.credentials", Reason: "nenhuma credencial NFSe configurada (PFX ou PEM)"}
	}
	if c.NFSe.OAuth.TokenURL == "" || c.NFSe.OAuth.ClientID == "" {
		return &domain.ConfigurationError{Field: "nfse.oauth", Reason: "token_url e client_id são obrigatórios"}
	}
	if c.Sicoob.WebhookSecret == "" {
		return &domain.ConfigurationError{Field: "sicoob.webhook_secret", Reason: "segredo do webhook não configurado"}
	}
	if c.Certisign.BaseURL == "" {
		return &domain.ConfigurationError{Field: "certisign.base_url", Reason: "URL do provedor de assinatura não configurada"}
	}
	if c.Certisign.WebhookSecret == "" {
		return &domain.ConfigurationError{Field: "certisign.webhook_secret", Reason: "segredo do callback não configurado"}
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return &domain.ConfigurationError{Field: "storage.dsn", Reason: "DSN obrigatório para driver postgres"}
	}
	return nil
}

func hasCredentials(cr Credentials) bool {
	if cr.PFXBase64 != "" || cr.PFXPath != "" {
		return true
	}
	return cr.CertPath != "" && cr.KeyPath != ""
}

func sanitizeURL(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.Trim(s, `'"`)
	return strings.TrimRight(s, "/")
}

// =================================================================================
// ENV OVERRIDES
// =================================================================================

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, len(out) > 0
}

func setStr(dst *string, key string) {
	if v, ok := getEnvStr(key); ok {
		*dst = v
	}
}

func setDur(dst *time.Duration, key string) {
	if v, ok := getEnvDur(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := getEnvInt(key); ok {
		*dst = v
	}
}

func applyCredentialEnv(cr *Credentials, prefix string) {
	setStr(&cr.CertPath, prefix+"_CERT_PATH")
	setStr(&cr.KeyPath, prefix+"_KEY_PATH")
	setStr(&cr.CAPath, prefix+"_CA_PATH")
	setStr(&cr.CABase64, prefix+"_CA_BASE64")
	setStr(&cr.PFXBase64, prefix+"_CERT_PFX_BASE64")
	setStr(&cr.PFXPath, prefix+"_CERT_PFX_PATH")
	setStr(&cr.PFXPass, prefix+"_CERT_PFX_PASS")
}

func applyOAuthEnv(o *OAuth, prefix string) {
	setStr(&o.TokenURL, prefix+"_AUTH_URL")
	setStr(&o.ValidateURL, prefix+"_AUTH_VALIDATE_URL")
	setStr(&o.ClientID, prefix+"_CLIENT_ID")
	setStr(&o.ClientSecret, prefix+"_CLIENT_SECRET")
	setStr(&o.AssertionAudience, prefix+"_ASSERTION_AUDIENCE")
	if v, ok := getEnvCSV(prefix + "_SCOPES"); ok {
		o.Scopes = v
	}
	setInt(&o.MaxRetries, prefix+"_RETRY_ATTEMPTS")
	setDur(&o.RetryDelay, prefix+"_RETRY_DELAY")
}

func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	setStr(&c.App.Version, "SERVICE_VERSION")
	setStr(&c.Log.Level, "LOG_LEVEL")
	setStr(&c.Server.Addr, "SERVER_ADDR")

	// STORAGE
	setStr(&c.Storage.Driver, "STORAGE_DRIVER")
	setStr(&c.Storage.DSN, "STORAGE_DSN")
	setInt(&c.Storage.Postgres.MaxOpenConns, "POSTGRES_MAX_OPEN_CONNS")

	// CACHE
	setStr(&c.Cache.Kind, "CACHE_KIND")
	setStr(&c.Cache.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Cache.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Cache.Redis.DB, "REDIS_DB")
	setStr(&c.Cache.Redis.Prefix, "REDIS_PREFIX")

	// RATE
	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	setInt(&c.Rate.Limit, "RATE_LIMIT")
	setDur(&c.Rate.Window, "RATE_WINDOW")

	// SMTP
	setStr(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setStr(&c.SMTP.Username, "SMTP_USERNAME")
	setStr(&c.SMTP.Password, "SMTP_PASSWORD")
	setStr(&c.SMTP.From, "SMTP_FROM")
	setStr(&c.SMTP.TLS, "SMTP_TLS")

	// KAFKA
	if v, ok := getEnvCSV("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = v
	}
	setStr(&c.Kafka.Topic, "KAFKA_TOPIC")

	// NFSE
	setStr(&c.NFSe.Environment, "NFSE_TP_AMB")
	setStr(&c.NFSe.ProducaoBaseURL, "NFSE_PRODUCAO_BASE_URL")
	setStr(&c.NFSe.HomologacaoBaseURL, "NFSE_HOMOLOGACAO_BASE_URL")
	setStr(&c.NFSe.SchemaPath, "NFSE_SCHEMA_PATH")
	setInt(&c.NFSe.MaxRetries, "NFSE_MAX_RETRIES")
	applyCredentialEnv(&c.NFSe.Credentials, "NFSE")
	applyOAuthEnv(&c.NFSe.OAuth, "NFSE")

	// SICOOB
	setStr(&c.Sicoob.Environment, "SICOOB_ENVIRONMENT")
	setStr(&c.Sicoob.BaseURL, "SICOOB_BASE_URL")
	setStr(&c.Sicoob.WebhookSecret, "SICOOB_WEBHOOK_SECRET")
	setDur(&c.Webhook.Tolerance, "WEBHOOK_TOLERANCE")
	setInt(&c.Webhook.HandlerRetries, "WEBHOOK_HANDLER_RETRIES")
	applyCredentialEnv(&c.Sicoob.Credentials, "SICOOB")
	applyOAuthEnv(&c.Sicoob.OAuth, "SICOOB")

	// CERTISIGN
	setStr(&c.Certisign.BaseURL, "CERTISIGN_BASE_URL")
	setStr(&c.Certisign.APIKey, "CERTISIGN_API_KEY")
	setStr(&c.Certisign.CallbackURL, "CERTISIGN_CALLBACK_URL")
	setDur(&c.Certisign.SignTTL, "CERTISIGN_SIGN_TTL")
	setStr(&c.Certisign.WebhookSecret, "CERTISIGN_WEBHOOK_SECRET")
}
