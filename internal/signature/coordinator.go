// Package signature coordina la firma remota con aprobación humana: crea la
// SignRequest, la publica al proveedor, espera el callback (o expira) y deja
// traza de auditoría de cada transición.
//
// Estados: PENDING → APPROVED | REJECTED | EXPIRED. Los terminales no admiten
// más transiciones; el store aplica la transición con un update condicional.
package signature

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/notify"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultPollInterval = 3 * time.Second
	HashAlgorithm       = "SHA256"
)

// Deps colaboradores del coordinador.
type Deps struct {
	Directory store.CertificateDirectory
	Requests  store.SignRequestStore
	Audit     store.AuditStore
	Provider  Provider
	Notifier  notify.Sender // opcional
}

// Coordinator implementa el flujo de firma remota.
type Coordinator struct {
	deps         Deps
	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

type Option func(*Coordinator)

func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		deps:         deps,
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
		waiters:      map[string][]chan struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestSignature crea la solicitud PENDING y la publica al proveedor.
func (c *Coordinator) RequestSignature(ctx context.Context, userID, hash string, docType domain.DocumentType, documentID *string) (*domain.SignRequest, error) {
	log := logger.From(ctx).With(logger.Component("signature"), logger.UserID(userID))

	enrollment, err := c.deps.Directory.GetActiveEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	req := &domain.SignRequest{
		ID:            c.newID(),
		EnrollmentID:  enrollment.ID,
		UserID:        userID,
		DocumentType:  docType,
		DocumentID:    documentID,
		HashAlgorithm: HashAlgorithm,
		HashValue:     hash,
		Status:        domain.SignPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(c.ttl),
	}
	if err := c.deps.Requests.Create(ctx, req); err != nil {
		return nil, err
	}
	log = log.With(logger.SignRequestID(req.ID))

	resp, err := c.deps.Provider.CreateSignRequest(ctx, ProviderRequest{
		SignRequestID: req.ID,
		UserID:        userID,
		EnrollmentID:  enrollment.ID,
		DocumentType:  docType,
		HashAlgorithm: HashAlgorithm,
		HashValue:     hash,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		log.Error("provedor de assinatura falhou", logger.Err(err))
		return nil, err
	}
	if err := c.deps.Requests.AttachProvider(ctx, req.ID, resp.ExternalSignID, resp.QRCodeURL); err != nil {
		return nil, err
	}
	req.ExternalSignID = domain.StrPtr(resp.ExternalSignID)
	req.QRCodeURL = domain.StrPtr(resp.QRCodeURL)

	c.audit(ctx, req, domain.AuditSignatureRequested, map[string]any{
		"hash":          hash,
		"document_type": string(docType),
		"qr_code_url":   resp.QRCodeURL,
	})

	if c.deps.Notifier != nil {
		args := map[string]any{
			"documentType": string(docType),
			"qrCodeUrl":    resp.QRCodeURL,
			"expiresAt":    req.ExpiresAt.Format(time.RFC3339),
		}
		if err := c.deps.Notifier.Send(ctx, userID, notify.TemplateSignatureRequested, args); err != nil {
			log.Warn("aviso de assinatura não enviado", logger.Err(err))
		}
	}

	log.Info("assinatura solicitada", zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

// AwaitApproval espera hasta que la solicitud sea terminal o venza timeout.
// APPROVED retorna el registro; REJECTED retorna *SignatureRejectedError;
// EXPIRED o timeout retornan *SignatureTimeoutError.
func (c *Coordinator) AwaitApproval(ctx context.Context, id string, timeout time.Duration) (*domain.SignRequest, error) {
	if timeout <= 0 {
		timeout = c.ttl
	}
	start := c.now()
	wake := c.subscribe(id)
	defer c.unsubscribe(id, wake)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		req, done, err := c.check(ctx, id, start)
		if done {
			return req, err
		}
		select {
		case <-ctx.Done():
			// El plazo del llamador también vence la solicitud.
			return c.expire(context.WithoutCancel(ctx), id, c.now().Sub(start))
		case <-deadline.C:
			return c.expire(ctx, id, c.now().Sub(start))
		case <-ticker.C:
		case <-wake:
		}
	}
}

// check lee el registro persistido y decide si la espera terminó.
func (c *Coordinator) check(ctx context.Context, id string, start time.Time) (*domain.SignRequest, bool, error) {
	req, err := c.deps.Requests.Get(ctx, id)
	if err != nil {
		return nil, true, err
	}
	switch req.Status {
	case domain.SignApproved:
		return req, true, nil
	case domain.SignRejected:
		return req, true, &domain.SignatureRejectedError{SignRequestID: id}
	case domain.SignExpired:
		return req, true, &domain.SignatureTimeoutError{SignRequestID: id, Waited: c.now().Sub(start)}
	}
	if c.now().After(req.ExpiresAt) {
		r, err := c.expire(ctx, id, c.now().Sub(start))
		return r, true, err
	}
	return req, false, nil
}

// expire aplica PENDING→EXPIRED. Si otro actor ya cerró la solicitud, se
// respeta el estado terminal que ganó.
func (c *Coordinator) expire(ctx context.Context, id string, waited time.Duration) (*domain.SignRequest, error) {
	req, err := c.deps.Requests.Transition(ctx, id, domain.SignTransition{
		To:          domain.SignExpired,
		CompletedAt: c.now().UTC(),
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		switch req.Status {
		case domain.SignApproved:
			return req, nil
		case domain.SignRejected:
			return req, &domain.SignatureRejectedError{SignRequestID: id}
		}
		return req, &domain.SignatureTimeoutError{SignRequestID: id, Waited: waited}
	case err != nil:
		return nil, err
	}

	metrics.SignRequestsTotal.WithLabelValues(string(domain.SignExpired)).Inc()
	c.audit(ctx, req, domain.AuditSignatureExpired, map[string]any{"waited_ms": waited.Milliseconds()})
	logger.From(ctx).Warn("assinatura expirada",
		logger.Component("signature"),
		logger.SignRequestID(id),
		logger.Duration(waited),
	)
	return req, &domain.SignatureTimeoutError{SignRequestID: id, Waited: waited}
}

// HandleCallback aplica el callback del proveedor (ya autenticado por HMAC).
// Un callback sobre una solicitud terminal o vencida retorna el estado actual
// y domain.ErrConflict; la vencida queda EXPIRED.
func (c *Coordinator) HandleCallback(ctx context.Context, cb Callback) (*domain.SignRequest, error) {
	log := logger.From(ctx).With(logger.Component("signature"), logger.SignRequestID(cb.SignRequestID))

	now := c.now().UTC()
	cur, err := c.deps.Requests.Get(ctx, cb.SignRequestID)
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.SignPending && !now.Before(cur.ExpiresAt) {
		return c.rejectLate(ctx, cur, now)
	}

	t := domain.SignTransition{To: domain.SignApproved, CompletedAt: now}
	event := domain.AuditSignatureReceived
	if cb.Rejected() {
		t.To = domain.SignRejected
		event = domain.AuditSignatureRejected
	} else {
		t.SignatureValue = cb.SignatureValue
		t.SignatureAlgorithm = cb.SignatureAlgorithm
	}

	req, err := c.deps.Requests.Transition(ctx, cb.SignRequestID, t)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Venció entre la lectura y la transición.
			if req.Status == domain.SignPending {
				return c.rejectLate(ctx, req, now)
			}
			log.Info("callback ignorado: solicitação já finalizada", logger.String("status", string(req.Status)))
		}
		return req, err
	}

	data := map[string]any{"device": cb.Device, "location": cb.Location}
	if cb.SignedAt != nil {
		data["signed_at"] = cb.SignedAt.UTC().Format(time.RFC3339)
	}
	c.audit(ctx, req, event, data)
	metrics.SignRequestsTotal.WithLabelValues(string(t.To)).Inc()
	c.notifyWaiters(cb.SignRequestID)

	log.Info("callback de assinatura processado", logger.String("status", string(t.To)))
	return req, nil
}

// rejectLate vence una solicitud cuyo callback llegó después de expiresAt.
func (c *Coordinator) rejectLate(ctx context.Context, req *domain.SignRequest, now time.Time) (*domain.SignRequest, error) {
	logger.From(ctx).Info("callback ignorado: solicitação expirada",
		logger.Component("signature"),
		logger.SignRequestID(req.ID),
		zap.Time("expires_at", req.ExpiresAt),
	)
	cur, err := c.expire(ctx, req.ID, now.Sub(req.RequestedAt))
	if cur == nil {
		return nil, err
	}
	c.notifyWaiters(req.ID)
	return cur, domain.ErrConflict
}

// Get retorna la solicitud persistida.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.SignRequest, error) {
	return c.deps.Requests.Get(ctx, id)
}

// audit es best-effort: un fallo se loguea y no interrumpe el flujo.
func (c *Coordinator) audit(ctx context.Context, req *domain.SignRequest, event string, data map[string]any) {
	if c.deps.Audit == nil || req == nil {
		return
	}
	id := req.ID
	err := c.deps.Audit.Append(ctx, domain.AuditLogEntry{
		SignRequestID: &id,
		UserID:        req.UserID,
		EnrollmentID:  req.EnrollmentID,
		EventType:     event,
		EventData:     data,
		Timestamp:     c.now().UTC(),
	})
	if err != nil {
		logger.From(ctx).Warn("falha ao registrar auditoria",
			logger.SignRequestID(id),
			logger.String("event", event),
			logger.Err(err),
		)
	}
}

// ─── waiters ───

func (c *Coordinator) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) unsubscribe(id string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, id)
	} else {
		c.waiters[id] = list
	}
}

func (c *Coordinator) notifyWaiters(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
