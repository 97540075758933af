// Package webhook recibe los webhooks de pago del banco: valida frescura y
// firma HMAC, decodifica el evento tipado, descarta replays y lo entrega a una
// cola de un solo consumidor que ejecuta los handlers registrados en orden.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/cache"
	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

const (
	DefaultTolerance = 300 * time.Second
	DefaultRetries   = 3
	DefaultDelay     = time.Second
	DefaultQueueSize = 256
	DefaultReplayTTL = 24 * time.Hour
)

// ErrClosed se retorna al ingerir después de Close.
var ErrClosed = errors.New("webhook: ingestor encerrado")

// Handler procesa un evento. Un error provoca reintentos.
type Handler func(ctx context.Context, ev *Event) error

// Subscription identifica un handler registrado (para Off).
type Subscription struct {
	Type EventType
	id   uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Options ajustes del ingestor.
type Options struct {
	Secret    string
	Tolerance time.Duration
	Retries   int
	Delay     time.Duration
	QueueSize int
	ReplayTTL time.Duration
}

// Deps colaboradores del ingestor.
type Deps struct {
	Events store.EventStore
	Index  cache.Client // índice de replay; nil usa uno en memoria
}

// Ingestor valida y encola eventos; un único goroutine los despacha.
type Ingestor struct {
	deps  Deps
	opts  Options
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	hmu      sync.RWMutex
	handlers map[EventType][]entry
	nextID   uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	queue   chan *Event
	done    chan struct{}
}

func NewIngestor(deps Deps, opts Options) *Ingestor {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = DefaultReplayTTL
	}
	if deps.Index == nil {
		deps.Index = cache.NewMemory("webhook", opts.ReplayTTL)
	}
	return &Ingestor{
		deps:     deps,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		handlers: map[EventType][]entry{},
		queue:    make(chan *Event, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// On registra h para t. Los handlers de un tipo corren en orden de registro.
func (in *Ingestor) On(t EventType, h Handler) Subscription {
	in.hmu.Lock()
	defer in.hmu.Unlock()
	in.nextID++
	in.handlers[t] = append(in.handlers[t], entry{id: in.nextID, fn: h})
	return Subscription{Type: t, id: in.nextID}
}

// Off elimina el handler. Retorna false si ya no estaba.
func (in *Ingestor) Off(s Subscription) bool {
	in.hmu.Lock()
	defer in.hmu.Unlock()
	list := in.handlers[s.Type]
	for i, e := range list {
		if e.id == s.id {
			in.handlers[s.Type] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (in *Ingestor) snapshot(t EventType) []entry {
	in.hmu.RLock()
	defer in.hmu.RUnlock()
	return append([]entry(nil), in.handlers[t]...)
}

// Start lanza el consumidor. ctx es el contexto base de los handlers.
func (in *Ingestor) Start(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started || in.closed {
		return
	}
	in.started = true
	go in.run(ctx)
}

// Close deja de aceptar eventos y espera a que la cola se vacíe.
func (in *Ingestor) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		<-in.done
		return
	}
	in.closed = true
	started := in.started
	close(in.queue)
	in.mu.Unlock()

	if !started {
		close(in.done)
		return
	}
	<-in.done
}

// Pending retorna los eventos encolados aún no despachados.
func (in *Ingestor) Pending() int { return len(in.queue) }

// Ingest valida (timestamp, luego firma), decodifica, descarta replays y
// encola. No espera a los handlers.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, signature, timestamp string) error {
	log := logger.From(ctx).With(logger.Component("webhook"))

	if err := in.checkTimestamp(timestamp); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook rejeitado: timestamp", logger.Err(err))
		return err
	}
	if err := VerifySignature(raw, signature, in.opts.Secret); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook rejeitado: assinatura", logger.Err(err))
		return err
	}

	ev, err := Decode(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook rejeitado: payload", logger.Err(err))
		return err
	}
	log = log.With(logger.EventID(ev.ID), logger.EventType(string(ev.Type)))

	if err := in.claim(ctx, ev.ID); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
			log.Info("webhook duplicado ignorado")
		}
		return err
	}

	if err := in.enqueue(ctx, ev); err != nil {
		_ = in.deps.Index.Delete(context.WithoutCancel(ctx), replayKey(ev.ID))
		return err
	}
	log.Debug("webhook enfileirado", logger.Int("pending", in.Pending()))
	return nil
}

func (in *Ingestor) checkTimestamp(header string) error {
	ts, err := ParseTimestamp(header)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStaleTimestamp, err)
	}
	diff := in.now().Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > in.opts.Tolerance {
		return fmt.Errorf("%w: diferença de %s (tolerância %s)", domain.ErrStaleTimestamp, diff.Round(time.Second), in.opts.Tolerance)
	}
	return nil
}

// claim reserva el id en el índice; el log persistido cubre reinicios.
func (in *Ingestor) claim(ctx context.Context, id string) error {
	if in.deps.Events != nil {
		done, err := in.deps.Events.IsProcessed(ctx, id)
		if err != nil {
			return fmt.Errorf("webhook replay check: %w", err)
		}
		if done {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, id)
		}
	}
	ok, err := in.deps.Index.SetNX(ctx, replayKey(id), "1", in.opts.ReplayTTL)
	if err != nil {
		return fmt.Errorf("webhook replay index: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, id)
	}
	return nil
}

func (in *Ingestor) enqueue(ctx context.Context, ev *Event) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrClosed
	}
	select {
	case in.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingestor) run(ctx context.Context) {
	defer close(in.done)
	for ev := range in.queue {
		in.dispatch(ctx, ev)
	}
}

// dispatch ejecuta los handlers del tipo en orden y persiste el resultado.
func (in *Ingestor) dispatch(ctx context.Context, ev *Event) {
	log := logger.From(ctx).With(
		logger.Component("webhook"),
		logger.EventID(ev.ID),
		logger.EventType(string(ev.Type)),
	)
	start := in.now()

	var failures []string
	for _, h := range in.snapshot(ev.Type) {
		if err := in.runHandler(ctx, h.fn, ev); err != nil {
			failures = append(failures, err.Error())
			log.Error("handler esgotou as tentativas", logger.Int("retries", in.opts.Retries), logger.Err(err))
		}
	}

	outcome := "success"
	if len(failures) > 0 {
		outcome = "failed"
	}
	pe := domain.ProcessedEvent{
		EventID:     ev.ID,
		Type:        string(ev.Type),
		Payload:     ev.Raw,
		ProcessedAt: in.now().UTC(),
		Outcome:     outcome,
		Error:       strings.Join(failures, "; "),
	}
	if in.deps.Events != nil {
		if err := in.deps.Events.MarkProcessed(ctx, pe); err != nil {
			log.Error("falha ao persistir evento processado", logger.Err(err))
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), outcome).Inc()
	log.Info("webhook processado", logger.String("outcome", outcome), logger.Duration(in.now().Sub(start)))
}

// runHandler: una llamada y hasta Retries reintentos con espera delay*i.
func (in *Ingestor) runHandler(ctx context.Context, h Handler, ev *Event) error {
	err := safeCall(ctx, h, ev)
	for i := 1; err != nil && i <= in.opts.Retries; i++ {
		delay := in.opts.Delay * time.Duration(i)
		logger.From(ctx).Warn("handler falhou; nova tentativa",
			logger.EventID(ev.ID),
			logger.Attempt(i),
			logger.Delay(delay),
			logger.Err(err),
		)
		if serr := in.sleep(ctx, delay); serr != nil {
			return err
		}
		err = safeCall(ctx, h, ev)
	}
	return err
}

func safeCall(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Sign retorna la firma hex HMAC-SHA256 de body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compara en tiempo constante. Acepta el prefijo "sha256=".
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return &domain.ConfigurationError{Field: "sicoob.webhook_secret", Reason: "segredo do webhook não configurado"}
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func replayKey(id string) string { return "event:" + id }

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
