// Package emission orquesta el envío de una DPS a la API Nacional: normaliza,
// valida, obtiene la firma remota si hace falta, inyecta el XMLDSig y envía con
// reintentos. Cada Emit registra exactamente una muestra de métricas.
package emission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
	"github.com/dropDatabas3/nfsegate/internal/xmldoc"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryBase   = time.Second
	DefaultSignTimeout = 5 * time.Minute
	DefaultVersion     = "1.00"
)

// EmitRequest es un documento a emitir.
type EmitRequest struct {
	UserID       string
	Version      string
	DocumentXML  string
	DocumentType domain.DocumentType
	DocumentID   *string
	// Signed indica que el XML ya trae el bloque <Signature>.
	Signed bool
}

// SignatureCoordinator es la parte del coordinador que usa el pipeline.
type SignatureCoordinator interface {
	RequestSignature(ctx context.Context, userID, hash string, docType domain.DocumentType, documentID *string) (*domain.SignRequest, error)
	AwaitApproval(ctx context.Context, id string, timeout time.Duration) (*domain.SignRequest, error)
}

// Deps colaboradores del pipeline.
type Deps struct {
	Submitter   Submitter
	Coordinator SignatureCoordinator // nil: solo documentos firmados
	Emissions   store.EmissionStore
	Metrics     *metrics.Window
	Schema      *xmldoc.Schema // nil: sin validación XSD
}

// Options ajustes del pipeline.
type Options struct {
	Anchor      string
	RetryBase   time.Duration
	SignTimeout time.Duration
	// Certificate va en KeyInfo/X509Certificate (base64 DER).
	Certificate string
}

// Pipeline implementa Emit y PollStatus.
type Pipeline struct {
	deps  Deps
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	if opts.Anchor == "" {
		opts.Anchor = xmldoc.DefaultSignatureAnchor
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = DefaultSignTimeout
	}
	return &Pipeline{deps: deps, opts: opts, sleep: sleepCtx, now: time.Now}
}

// Backoff retorna la espera antes del reintento attempt (1-based): base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Emit envía el documento. Errores terminales vuelven como *domain.EmissionError
// envolviendo la causa tipada (errors.As sigue funcionando).
func (p *Pipeline) Emit(ctx context.Context, req EmitRequest, maxRetries int) (*domain.EmissionRecord, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if req.Version == "" {
		req.Version = DefaultVersion
	}
	if req.DocumentType == "" {
		req.DocumentType = domain.DocumentDPS
	}
	start := p.now()
	log := logger.From(ctx).With(logger.Component("emission"), logger.UserID(req.UserID))

	xml, err := p.prepare(ctx, req)
	if err != nil {
		return nil, p.fail(ctx, req.UserID, start, 0, err, "")
	}
	hash := xmldoc.HashDocument(xml)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		res, err := p.deps.Submitter.Submit(ctx, req.Version, xml)
		if err == nil {
			rec := &domain.EmissionRecord{
				Protocol:        res.Protocol,
				UserID:          req.UserID,
				Status:          domain.EmissionQueued,
				Situacao:        res.Situacao,
				DocumentKeyHash: hash,
				AccessKey:       domain.StrPtr(res.AccessKey),
				NumeroDocumento: domain.StrPtr(res.NumeroNFSe),
				ProcessedAt:     p.now().UTC(),
				RawResponse:     res.Raw,
			}
			if res.AccessKey != "" {
				rec.Status = domain.EmissionAuthorized
			}
			if rec.Situacao == "" {
				rec.Situacao = string(rec.Status)
			}
			if err := p.deps.Emissions.Save(ctx, rec); err != nil {
				// El documento ya fue aceptado: no se reintenta el envío.
				log.Error("emissão aceita mas não persistida", logger.Protocol(rec.Protocol), logger.Err(err))
			}
			p.record(true, start, "")
			log.Info("DPS enviada",
				logger.Protocol(rec.Protocol),
				logger.Attempt(attempt),
				logger.String("status", string(rec.Status)),
				logger.Duration(p.now().Sub(start)),
			)
			return rec, nil
		}

		lastErr = err
		if ctx.Err() != nil || !domain.IsRetryable(err) {
			break
		}
		if attempt == maxRetries {
			break
		}
		delay := Backoff(p.opts.RetryBase, attempt)
		log.Warn("envio falhou; nova tentativa", logger.Attempt(attempt), logger.Delay(delay), logger.Err(err))
		if err := p.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return nil, p.fail(ctx, req.UserID, start, attempts, lastErr, hash)
}

// prepare normaliza, valida y firma (una sola vez por Emit).
func (p *Pipeline) prepare(ctx context.Context, req EmitRequest) (string, error) {
	xml := xmldoc.FixTribMunOrder(req.DocumentXML)

	if p.deps.Schema != nil {
		if err := xmldoc.ValidateAgainstSchema(xml, p.deps.Schema); err != nil {
			return "", err
		}
	}
	if req.Signed || xmldoc.HasSignature(xml) {
		return xml, nil
	}

	// El ancla se verifica antes de pedir la firma: sin ancla no hay red.
	if _, err := xmldoc.InjectSignature(xml, "", p.opts.Anchor); err != nil {
		return "", err
	}
	if p.deps.Coordinator == nil {
		return "", &domain.ConfigurationError{Field: "certisign", Reason: "documento não assinado e coordenador de assinatura não configurado"}
	}

	hash := xmldoc.HashDocument(xml)
	sr, err := p.deps.Coordinator.RequestSignature(ctx, req.UserID, hash, req.DocumentType, req.DocumentID)
	if err != nil {
		return "", err
	}
	approved, err := p.deps.Coordinator.AwaitApproval(ctx, sr.ID, p.opts.SignTimeout)
	if err != nil {
		return "", err
	}

	dsig := xmldoc.DSig{
		DigestHex:      hash,
		SignatureValue: deref(approved.SignatureValue),
		Certificate:    p.opts.Certificate,
		Algorithm:      deref(approved.SignatureAlgorithm),
	}
	return xmldoc.InjectSignature(xml, dsig.XML(), p.opts.Anchor)
}

// fail registra la muestra de métricas, persiste FAILED si hubo envío y
// envuelve el error.
func (p *Pipeline) fail(ctx context.Context, userID string, start time.Time, attempts int, err error, hash string) error {
	elapsed := p.now().Sub(start)
	p.record(false, start, err.Error())

	if attempts > 0 {
		rec := &domain.EmissionRecord{
			Protocol:        "FAILED-" + uuid.NewString(),
			UserID:          userID,
			Status:          domain.EmissionFailed,
			Situacao:        string(domain.EmissionFailed),
			DocumentKeyHash: hash,
			ProcessedAt:     p.now().UTC(),
		}
		var ue *domain.UpstreamError
		if errors.As(err, &ue) && len(ue.Body) > 0 && ue.Body[0] == '{' {
			rec.RawResponse = ue.Body
		}
		if serr := p.deps.Emissions.Save(ctx, rec); serr != nil {
			logger.From(ctx).Error("falha ao persistir emissão FAILED", logger.Err(serr))
		}
	}

	logger.From(ctx).Error("emissão falhou",
		logger.Component("emission"),
		logger.Count(attempts),
		logger.Duration(elapsed),
		logger.Err(err),
	)
	return &domain.EmissionError{Attempts: attempts, Elapsed: elapsed, Err: err}
}

func (p *Pipeline) record(success bool, start time.Time, errMsg string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Record(success, p.now().Sub(start), errMsg)
	}
}

// PollStatus consulta la situación del protocolo y actualiza el registro.
func (p *Pipeline) PollStatus(ctx context.Context, protocol string) (*domain.EmissionRecord, error) {
	res, err := p.deps.Submitter.Status(ctx, protocol)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", protocol, err)
	}
	upd := store.EmissionUpdate{
		Situacao:        res.Situacao,
		AccessKey:       domain.StrPtr(res.AccessKey),
		NumeroDocumento: domain.StrPtr(res.NumeroNFSe),
		RawResponse:     res.Raw,
	}
	if res.AccessKey != "" {
		upd.Status = domain.EmissionAuthorized
	}
	rec, err := p.deps.Emissions.UpdateStatus(ctx, protocol, upd)
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Info("status da emissão atualizado",
		logger.Protocol(protocol),
		logger.String("situacao", rec.Situacao),
	)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
