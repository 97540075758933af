// Package memory implementa store.Connection en memoria. Útil para desarrollo,
// la CLI sin base de datos y los tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

func init() {
	store.RegisterAdapter(&adapter{})
}

type adapter struct{}

func (a *adapter) Name() string { return "memory" }

func (a *adapter) Connect(ctx context.Context, cfg store.AdapterConfig) (store.Connection, error) {
	return New(), nil
}

// Conn agrupa los repositorios en memoria.
type Conn struct {
	emissions    *emissionRepo
	signRequests *signRequestRepo
	audit        *auditRepo
	events       *eventRepo
	charges      *chargeRepo
	enrollments  *enrollmentRepo
}

func New() *Conn {
	return &Conn{
		emissions:    &emissionRepo{data: map[string]*domain.EmissionRecord{}},
		signRequests: &signRequestRepo{data: map[string]*domain.SignRequest{}},
		audit:        &auditRepo{},
		events:       &eventRepo{data: map[string]domain.ProcessedEvent{}},
		charges:      &chargeRepo{data: map[string]*domain.Charge{}},
		enrollments:  &enrollmentRepo{data: map[string]*domain.Enrollment{}, now: time.Now},
	}
}

func (c *Conn) Name() string                   { return "memory" }
func (c *Conn) Ping(ctx context.Context) error { return nil }
func (c *Conn) Close() error                   { return nil }

func (c *Conn) Emissions() store.EmissionStore       { return c.emissions }
func (c *Conn) SignRequests() store.SignRequestStore { return c.signRequests }
func (c *Conn) Audit() store.AuditStore              { return c.audit }
func (c *Conn) Events() store.EventStore             { return c.events }
func (c *Conn) Charges() store.ChargeStore           { return c.charges }
func (c *Conn) Enrollments() store.EnrollmentStore   { return c.enrollments }

// ─── Emissions ───

type emissionRepo struct {
	mu   sync.RWMutex
	data map[string]*domain.EmissionRecord
}

func (r *emissionRepo) Save(ctx context.Context, rec *domain.EmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.data[rec.Protocol] = &cp
	return nil
}

func (r *emissionRepo) UpdateStatus(ctx context.Context, protocol string, upd store.EmissionUpdate) (*domain.EmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[protocol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.Situacao != "" {
		rec.Situacao = upd.Situacao
	}
	if upd.AccessKey != nil {
		rec.AccessKey = upd.AccessKey
	}
	if upd.NumeroDocumento != nil {
		rec.NumeroDocumento = upd.NumeroDocumento
	}
	if len(upd.RawResponse) > 0 {
		rec.RawResponse = upd.RawResponse
	}
	rec.ProcessedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (r *emissionRepo) GetByProtocol(ctx context.Context, protocol string) (*domain.EmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[protocol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ─── Sign requests ───

type signRequestRepo struct {
	mu   sync.Mutex
	data map[string]*domain.SignRequest
}

func (r *signRequestRepo) Create(ctx context.Context, req *domain.SignRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[req.ID]; exists {
		return domain.ErrConflict
	}
	r.data[req.ID] = req.Clone()
	return nil
}

func (r *signRequestRepo) Get(ctx context.Context, id string) (*domain.SignRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return req.Clone(), nil
}

func (r *signRequestRepo) AttachProvider(ctx context.Context, id, externalSignID, qrCodeURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	req.ExternalSignID = domain.StrPtr(externalSignID)
	req.QRCodeURL = domain.StrPtr(qrCodeURL)
	return nil
}

func (r *signRequestRepo) Transition(ctx context.Context, id string, t domain.SignTransition) (*domain.SignRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if req.Status != domain.SignPending {
		return req.Clone(), domain.ErrConflict
	}
	// Vencida solo admite EXPIRED.
	if t.To != domain.SignExpired && !t.CompletedAt.Before(req.ExpiresAt) {
		return req.Clone(), domain.ErrConflict
	}
	req.Status = t.To
	completed := t.CompletedAt
	req.CompletedAt = &completed
	if t.To == domain.SignApproved {
		req.SignatureValue = domain.StrPtr(t.SignatureValue)
		req.SignatureAlgorithm = domain.StrPtr(t.SignatureAlgorithm)
	}
	return req.Clone(), nil
}

// ─── Audit ───

type auditRepo struct {
	mu      sync.RWMutex
	entries []domain.AuditLogEntry
}

func (r *auditRepo) Append(ctx context.Context, e domain.AuditLogEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func (r *auditRepo) List(ctx context.Context, signRequestID string) ([]domain.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AuditLogEntry
	for _, e := range r.entries {
		if signRequestID == "" || (e.SignRequestID != nil && *e.SignRequestID == signRequestID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ─── Events ───

type eventRepo struct {
	mu   sync.RWMutex
	data map[string]domain.ProcessedEvent
}

func (r *eventRepo) MarkProcessed(ctx context.Context, ev domain.ProcessedEvent) error {
	r.mu.Lock()
	r.data[ev.EventID] = ev
	r.mu.Unlock()
	return nil
}

func (r *eventRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	_, ok := r.data[eventID]
	r.mu.RUnlock()
	return ok, nil
}

// Processed retorna los eventos registrados ordenados por fecha (inspección/tests).
func (c *Conn) Processed() []domain.ProcessedEvent {
	c.events.mu.RLock()
	defer c.events.mu.RUnlock()
	out := make([]domain.ProcessedEvent, 0, len(c.events.data))
	for _, ev := range c.events.data {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out
}

// ─── Charges ───

type chargeRepo struct {
	mu   sync.RWMutex
	data map[string]*domain.Charge
}

func (r *chargeRepo) UpdateStatus(ctx context.Context, identifier, kind string, status domain.ChargeStatus, history map[string]any) (*domain.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.data[identifier]
	if !ok {
		ch = &domain.Charge{Identifier: identifier, Kind: kind, History: map[string]any{}}
		r.data[identifier] = ch
	}
	ch.Status = status
	ch.UpdatedAt = time.Now().UTC()
	for k, v := range history {
		ch.History[k] = v
	}
	return cloneCharge(ch), nil
}

// PutCharge registra una cobranza emitida (con su dueño) antes de conciliarla.
func (c *Conn) PutCharge(ch domain.Charge) {
	c.charges.mu.Lock()
	defer c.charges.mu.Unlock()
	if ch.History == nil {
		ch.History = map[string]any{}
	}
	if ch.Status == "" {
		ch.Status = domain.ChargePending
	}
	c.charges.data[ch.Identifier] = cloneCharge(&ch)
}

func (r *chargeRepo) Get(ctx context.Context, identifier string) (*domain.Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.data[identifier]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCharge(ch), nil
}

func cloneCharge(ch *domain.Charge) *domain.Charge {
	cp := *ch
	cp.History = make(map[string]any, len(ch.History))
	for k, v := range ch.History {
		cp.History[k] = v
	}
	return &cp
}

// ─── Enrollments ───

type enrollmentRepo struct {
	mu   sync.RWMutex
	data map[string]*domain.Enrollment // por userID
	now  func() time.Time
}

func (r *enrollmentRepo) SaveEnrollment(ctx context.Context, e *domain.Enrollment) error {
	r.mu.Lock()
	cp := *e
	r.data[e.UserID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *enrollmentRepo) GetActiveEnrollment(ctx context.Context, userID string) (*domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[userID]
	if !ok || !e.Active(r.now()) {
		return nil, domain.ErrNoActiveCertificate
	}
	cp := *e
	return &cp, nil
}
