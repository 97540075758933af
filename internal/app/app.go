// Package app arma el grafo de dependencias del servicio: store, cache,
// credenciales, clientes externos, pipeline, coordinador de firma, ingestor
// de webhooks y router HTTP.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/auth"
	"github.com/dropDatabas3/nfsegate/internal/cache"
	"github.com/dropDatabas3/nfsegate/internal/config"
	"github.com/dropDatabas3/nfsegate/internal/credentials"
	"github.com/dropDatabas3/nfsegate/internal/emission"
	emctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/emission"
	healthctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/health"
	sigctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/signature"
	whctrl "github.com/dropDatabas3/nfsegate/internal/http/controllers/webhook"
	mw "github.com/dropDatabas3/nfsegate/internal/http/middlewares"
	"github.com/dropDatabas3/nfsegate/internal/http/router"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/notify"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/rate"
	"github.com/dropDatabas3/nfsegate/internal/signature"
	"github.com/dropDatabas3/nfsegate/internal/store"
	"github.com/dropDatabas3/nfsegate/internal/webhook"
	"github.com/dropDatabas3/nfsegate/internal/xmldoc"

	// Adapters de persistencia (se registran en init).
	_ "github.com/dropDatabas3/nfsegate/internal/store/memory"
	_ "github.com/dropDatabas3/nfsegate/internal/store/pg"
)

// MetricsWindow es la ventana del resumen de emisiones.
const MetricsWindow = 24 * time.Hour

// Deps permite inyectar colaboradores ya construidos. Los campos nil se
// construyen a partir de la configuración.
type Deps struct {
	Store     store.Connection
	Cache     cache.Client
	Submitter emission.Submitter
	Provider  signature.Provider
	Notifier  notify.Sender
	Publisher notify.Publisher
}

// App expone los componentes armados.
type App struct {
	Config *config.Config

	Store     store.Connection
	Cache     cache.Client
	Notifier  notify.Sender
	Publisher notify.Publisher
	Limiter   rate.Limiter
	Window    *metrics.Window

	NFSeCredentials *credentials.Store // nil si Submitter vino inyectado
	NFSeAuth        *auth.Client
	SicoobAuth      *auth.Client // nil sin credenciales Sicoob; alimenta /readyz

	Pipeline    *emission.Pipeline
	Coordinator *signature.Coordinator
	Ingestor    *webhook.Ingestor
	Reconciler  *webhook.Reconciler

	Handler http.Handler

	closers []func() error
}

// New arma la aplicación. Si falla a mitad de camino libera lo ya abierto.
func New(ctx context.Context, cfg *config.Config, deps Deps) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()
	log := logger.Named("app")

	// ─── Persistencia ───
	if deps.Store != nil {
		a.Store = deps.Store
	} else {
		a.Store, err = store.Open(ctx, store.AdapterConfig{
			Name:         cfg.Storage.Driver,
			DSN:          cfg.Storage.DSN,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			MinConns:     cfg.Storage.Postgres.MinConns,
		})
		if err != nil {
			return a, fmt.Errorf("store: %w", err)
		}
		a.closers = append(a.closers, a.Store.Close)
	}

	if deps.Cache != nil {
		a.Cache = deps.Cache
	} else {
		a.Cache, err = cache.New(ctx, cfg)
		if err != nil {
			return a, fmt.Errorf("cache: %w", err)
		}
		a.closers = append(a.closers, a.Cache.Close)
	}

	// ─── Métricas ───
	if err = metrics.Register(nil); err != nil {
		return a, fmt.Errorf("metrics: %w", err)
	}
	if err = mw.RegisterHTTPMetrics(nil); err != nil {
		return a, fmt.Errorf("http metrics: %w", err)
	}
	a.Window = metrics.NewWindow(MetricsWindow)

	// ─── Salidas ───
	a.Notifier = deps.Notifier
	if a.Notifier == nil {
		a.Notifier = buildNotifier(cfg)
	}
	a.Publisher = deps.Publisher
	if a.Publisher == nil {
		a.Publisher, err = buildPublisher(cfg)
		if err != nil {
			return a, fmt.Errorf("kafka: %w", err)
		}
		a.closers = append(a.closers, a.Publisher.Close)
	}

	if cfg.Rate.Enabled {
		a.Limiter = buildLimiter(cfg, a.Cache)
	}

	// ─── NFS-e ───
	submitter := deps.Submitter
	var certificate string
	if submitter == nil {
		a.NFSeCredentials = credentials.NewStore("nfse", cfg.NFSe.Credentials)
		httpClient, herr := a.NFSeCredentials.HTTPClient(cfg.NFSe.Timeout, verifyTLS(cfg))
		if herr != nil {
			return a, fmt.Errorf("nfse credentials: %w", herr)
		}
		a.NFSeAuth, err = newAuthClient(cfg.NFSe.OAuth, httpClient, a.NFSeCredentials)
		if err != nil {
			return a, err
		}
		submitter = emission.NewSEFINClient(emission.ModuleEndpoint(cfg.NFSeBaseURL(), "contribuintes"), httpClient, a.NFSeAuth)

		leaf, lerr := a.NFSeCredentials.Leaf()
		if lerr != nil {
			return a, fmt.Errorf("nfse certificate: %w", lerr)
		}
		certificate = base64.StdEncoding.EncodeToString(leaf.Raw)
		a.CheckCertificate()
	}

	if hasSicoobCredentials(cfg) {
		sicoob := credentials.NewStore("sicoob", cfg.Sicoob.Credentials)
		httpClient, serr := sicoob.HTTPClient(cfg.Sicoob.Timeout, cfg.Sicoob.Environment == "production")
		if serr != nil {
			return a, fmt.Errorf("sicoob credentials: %w", serr)
		}
		if a.SicoobAuth, err = newAuthClient(cfg.Sicoob.OAuth, httpClient, sicoob); err != nil {
			return a, err
		}
	}

	provider := deps.Provider
	if provider == nil {
		provider = signature.NewHTTPProvider(cfg.Certisign.BaseURL, cfg.Certisign.APIKey, cfg.Certisign.CallbackURL,
			&http.Client{Timeout: cfg.Certisign.Timeout})
	}
	a.Coordinator = signature.NewCoordinator(signature.Deps{
		Directory: a.Store.Enrollments(),
		Requests:  a.Store.SignRequests(),
		Audit:     a.Store.Audit(),
		Provider:  provider,
		Notifier:  a.Notifier,
	}, signature.WithTTL(cfg.Certisign.SignTTL), signature.WithPollInterval(cfg.Certisign.PollInterval))

	var schema *xmldoc.Schema
	if cfg.NFSe.SchemaPath != "" {
		if schema, err = xmldoc.LoadSchema(cfg.NFSe.SchemaPath); err != nil {
			return a, fmt.Errorf("schema: %w", err)
		}
		log.Info("schema XSD carregado", logger.String("path", cfg.NFSe.SchemaPath))
	}

	a.Pipeline = emission.NewPipeline(emission.Deps{
		Submitter:   submitter,
		Coordinator: a.Coordinator,
		Emissions:   a.Store.Emissions(),
		Metrics:     a.Window,
		Schema:      schema,
	}, emission.Options{
		Anchor:      cfg.NFSe.SignatureAnchor,
		RetryBase:   cfg.NFSe.RetryBase,
		SignTimeout: cfg.Certisign.SignTTL,
		Certificate: certificate,
	})

	// ─── Webhooks ───
	a.Ingestor = webhook.NewIngestor(webhook.Deps{
		Events: a.Store.Events(),
		Index:  a.Cache,
	}, webhook.Options{
		Secret:    cfg.Sicoob.WebhookSecret,
		Tolerance: cfg.Webhook.Tolerance,
		Retries:   cfg.Webhook.HandlerRetries,
		Delay:     cfg.Webhook.HandlerDelay,
		QueueSize: cfg.Webhook.QueueSize,
	})
	a.Reconciler = &webhook.Reconciler{
		Charges:   a.Store.Charges(),
		Publisher: a.Publisher,
		Notifier:  a.Notifier,
	}
	a.Reconciler.Register(a.Ingestor)

	// ─── HTTP ───
	a.Handler = router.New(router.Deps{
		Health:      healthctrl.NewController(cfg.App.Version, a.readinessChecks()),
		Webhook:     whctrl.NewController(a.Ingestor),
		Signature:   sigctrl.NewController(a.Coordinator, cfg.Certisign.WebhookSecret),
		Emission:    emctrl.NewController(a.Pipeline, a.Store.Emissions(), a.Window),
		RateLimiter: a.Limiter,
	})

	log.Info("aplicação montada",
		logger.String("storage", a.Store.Name()),
		logger.String("cache", cfg.Cache.Kind),
		logger.String("nfse_base_url", cfg.NFSeBaseURL()),
		logger.Bool("rate_limit", a.Limiter != nil),
		logger.Bool("xsd", schema != nil),
	)
	return a, nil
}

// readinessChecks arma los checks de /readyz. Con credenciales Sicoob también
// exige un token vigente (cacheado por el cliente).
func (a *App) readinessChecks() map[string]healthctrl.Check {
	checks := map[string]healthctrl.Check{
		"store": a.Store.Ping,
		"cache": a.Cache.Ping,
	}
	if a.SicoobAuth != nil {
		checks["sicoob_auth"] = func(ctx context.Context) error {
			_, err := a.SicoobAuth.GetAccessToken(ctx)
			return err
		}
	}
	return checks
}

// Start arranca el consumidor de webhooks.
func (a *App) Start(ctx context.Context) {
	a.Ingestor.Start(ctx)
}

// CheckCertificate registra los días hasta el vencimiento del certificado NFS-e.
func (a *App) CheckCertificate() (credentials.ExpiryCheck, error) {
	if a.NFSeCredentials == nil {
		return credentials.ExpiryCheck{}, errors.New("certificado NFS-e não carregado")
	}
	res, err := a.NFSeCredentials.CheckExpiry(time.Now())
	if err != nil {
		return res, err
	}
	a.Window.RecordCertificateCheck(res.DaysUntilExpiry)
	return res, nil
}

// Close drena el ingestor y cierra los recursos en orden inverso.
func (a *App) Close() error {
	if a.Ingestor != nil {
		a.Ingestor.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildNotifier(cfg *config.Config) notify.Sender {
	if cfg.SMTP.Host == "" {
		return notify.LogSender{}
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		TLSMode:  cfg.SMTP.TLS,
	}, notify.AddressAsUserID)
}

func buildPublisher(cfg *config.Config) (notify.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return notify.NoopPublisher{}, nil
	}
	return notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil)
}

// buildLimiter usa Redis cuando el cache lo es (contador compartido entre réplicas).
func buildLimiter(cfg *config.Config, c cache.Client) rate.Limiter {
	if r, ok := c.(*cache.Redis); ok {
		return rate.NewRedisLimiter(r.Raw(), "rl:webhook:", cfg.Rate.Limit, cfg.Rate.Window)
	}
	return rate.NewMemoryLimiter(cfg.Rate.Limit, cfg.Rate.Window)
}

func newAuthClient(o config.OAuth, httpClient *http.Client, creds *credentials.Store) (*auth.Client, error) {
	var opts []auth.Option
	if o.ClientSecret == "" && o.AssertionAudience != "" {
		signer, err := creds.Signer()
		if err != nil {
			return nil, fmt.Errorf("client assertion: %w", err)
		}
		opts = append(opts, auth.WithSigner(signer))
	}
	return auth.NewClient(o, httpClient, opts...), nil
}

// verifyTLS: la verificación del servidor solo se relaja en homologação fuera de prod.
func verifyTLS(cfg *config.Config) bool {
	return cfg.NFSe.Environment == "1" || cfg.IsProd()
}

func hasSicoobCredentials(cfg *config.Config) bool {
	cr := cfg.Sicoob.Credentials
	if cfg.Sicoob.OAuth.TokenURL == "" {
		return false
	}
	return cr.PFXBase64 != "" || cr.PFXPath != "" || (cr.CertPath != "" && cr.KeyPath != "")
}
