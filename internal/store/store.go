// Package store define los contratos de persistencia del motor y un registro
// de adapters (memory, postgres). Los adapters se registran en init() y se
// abren por nombre con Open.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// EmissionUpdate son los campos que un poll de status puede cambiar.
type EmissionUpdate struct {
	Status          domain.EmissionStatus
	Situacao        string
	AccessKey       *string
	NumeroDocumento *string
	RawResponse     json.RawMessage
}

// EmissionStore persiste los EmissionRecord. Nunca borra.
type EmissionStore interface {
	Save(ctx context.Context, rec *domain.EmissionRecord) error
	UpdateStatus(ctx context.Context, protocol string, upd EmissionUpdate) (*domain.EmissionRecord, error)
	GetByProtocol(ctx context.Context, protocol string) (*domain.EmissionRecord, error)
}

// SignRequestStore persiste las solicitudes de firma.
type SignRequestStore interface {
	Create(ctx context.Context, req *domain.SignRequest) error
	Get(ctx context.Context, id string) (*domain.SignRequest, error)
	AttachProvider(ctx context.Context, id, externalSignID, qrCodeURL string) error

	// Transition aplica t solo si el registro sigue PENDING. Si ya era terminal
	// retorna el registro actual y domain.ErrConflict. Con t.CompletedAt en o
	// después de ExpiresAt solo se admite To == EXPIRED.
	Transition(ctx context.Context, id string, t domain.SignTransition) (*domain.SignRequest, error)
}

// AuditStore es append-only.
type AuditStore interface {
	Append(ctx context.Context, e domain.AuditLogEntry) error
	List(ctx context.Context, signRequestID string) ([]domain.AuditLogEntry, error)
}

// EventStore es el log de eventos de webhook procesados (detección de replay).
type EventStore interface {
	MarkProcessed(ctx context.Context, ev domain.ProcessedEvent) error
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// ChargeStore mantiene el estado conciliado de las cobranzas.
type ChargeStore interface {
	UpdateStatus(ctx context.Context, identifier, kind string, status domain.ChargeStatus, history map[string]any) (*domain.Charge, error)
	Get(ctx context.Context, identifier string) (*domain.Charge, error)
}

// CertificateDirectory resuelve el enrollment activo de un usuario.
type CertificateDirectory interface {
	// GetActiveEnrollment retorna domain.ErrNoActiveCertificate si no hay uno vigente.
	GetActiveEnrollment(ctx context.Context, userID string) (*domain.Enrollment, error)
}

// EnrollmentStore agrega la escritura (alta/renovación de certificados).
type EnrollmentStore interface {
	CertificateDirectory
	SaveEnrollment(ctx context.Context, e *domain.Enrollment) error
}

// Connection es una conexión abierta a un backend de persistencia.
type Connection interface {
	Name() string
	Ping(ctx context.Context) error
	Close() error

	Emissions() EmissionStore
	SignRequests() SignRequestStore
	Audit() AuditStore
	Events() EventStore
	Charges() ChargeStore
	Enrollments() EnrollmentStore
}

// AdapterConfig configuración común para abrir un adapter.
type AdapterConfig struct {
	Name         string
	DSN          string
	MaxOpenConns int
	MinConns     int
}

// Adapter crea conexiones de un driver.
type Adapter interface {
	Name() string
	Connect(ctx context.Context, cfg AdapterConfig) (Connection, error)
}

var (
	registryMu sync.RWMutex
	adapters   = map[string]Adapter{}
)

// RegisterAdapter registra un adapter. Llamar desde init().
func RegisterAdapter(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	adapters[a.Name()] = a
}

// Adapters lista los drivers registrados.
func Adapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(adapters))
	for name := range adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open abre una conexión con el adapter cfg.Name.
func Open(ctx context.Context, cfg AdapterConfig) (Connection, error) {
	registryMu.RLock()
	a, ok := adapters[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, &domain.ConfigurationError{
			Field:  "storage.driver",
			Reason: fmt.Sprintf("driver %q no registrado (disponibles: %v)", cfg.Name, Adapters()),
		}
	}
	return a.Connect(ctx, cfg)
}
