// Package pg implementa store.Connection sobre PostgreSQL con pgxpool.
// Las transiciones de estado son UPDATE condicionales de una sola fila.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/dropDatabas3/nfsegate/migrations/postgres"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

func init() {
	store.RegisterAdapter(&postgresAdapter{})
}

type postgresAdapter struct{}

func (a *postgresAdapter) Name() string { return "postgres" }

func (a *postgresAdapter) Connect(ctx context.Context, cfg store.AdapterConfig) (store.Connection, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pg: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping falhou: %w", err)
	}

	conn := &Conn{pool: pool}
	res, err := store.NewMigrator(migrations.FS, migrations.Dir).Run(ctx, conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: migrate: %w", err)
	}
	logger.Named("store").Info("postgres conectado",
		logger.Int("migrations_applied", len(res.Applied)),
		logger.Duration(res.Duration),
	)
	return conn, nil
}

// Conn es la conexión PostgreSQL.
type Conn struct {
	pool *pgxpool.Pool
}

// NewFromPool envuelve un pool existente (sin migrar).
func NewFromPool(pool *pgxpool.Pool) *Conn { return &Conn{pool: pool} }

func (c *Conn) Name() string                   { return "postgres" }
func (c *Conn) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }
func (c *Conn) Close() error                   { c.pool.Close(); return nil }

func (c *Conn) Emissions() store.EmissionStore       { return &emissionRepo{pool: c.pool} }
func (c *Conn) SignRequests() store.SignRequestStore { return &signRequestRepo{pool: c.pool} }
func (c *Conn) Audit() store.AuditStore              { return &auditRepo{pool: c.pool} }
func (c *Conn) Events() store.EventStore             { return &eventRepo{pool: c.pool} }
func (c *Conn) Charges() store.ChargeStore           { return &chargeRepo{pool: c.pool} }
func (c *Conn) Enrollments() store.EnrollmentStore   { return &enrollmentRepo{pool: c.pool} }

// Exec implementa store.MigrationExecutor.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.pool.Exec(ctx, sql, args...)
	return err
}

// AppliedVersions implementa store.MigrationExecutor.
func (c *Conn) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := c.pool.Query(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ─── Emissions ───

type emissionRepo struct{ pool *pgxpool.Pool }

const emissionColumns = `protocol, COALESCE(user_id, ''), status, situacao, document_key_hash,
	access_key, numero_documento, processed_at, raw_response`

func scanEmission(row pgx.Row) (*domain.EmissionRecord, error) {
	var rec domain.EmissionRecord
	var raw []byte
	err := row.Scan(&rec.Protocol, &rec.UserID, &rec.Status, &rec.Situacao, &rec.DocumentKeyHash,
		&rec.AccessKey, &rec.NumeroDocumento, &rec.ProcessedAt, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	rec.RawResponse = json.RawMessage(raw)
	return &rec, nil
}

func (r *emissionRepo) Save(ctx context.Context, rec *domain.EmissionRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO emission_record (protocol, user_id, status, situacao, document_key_hash,
			access_key, numero_documento, processed_at, raw_response)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (protocol) DO UPDATE SET
			status = EXCLUDED.status,
			situacao = EXCLUDED.situacao,
			access_key = COALESCE(EXCLUDED.access_key, emission_record.access_key),
			numero_documento = COALESCE(EXCLUDED.numero_documento, emission_record.numero_documento),
			processed_at = EXCLUDED.processed_at,
			raw_response = EXCLUDED.raw_response`,
		rec.Protocol, rec.UserID, string(rec.Status), rec.Situacao, rec.DocumentKeyHash,
		rec.AccessKey, rec.NumeroDocumento, rec.ProcessedAt, nullJSON(rec.RawResponse),
	)
	return err
}

func (r *emissionRepo) UpdateStatus(ctx context.Context, protocol string, upd store.EmissionUpdate) (*domain.EmissionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE emission_record SET
			status = COALESCE(NULLIF($2, ''), status),
			situacao = COALESCE(NULLIF($3, ''), situacao),
			access_key = COALESCE($4, access_key),
			numero_documento = COALESCE($5, numero_documento),
			raw_response = COALESCE($6, raw_response),
			processed_at = NOW()
		WHERE protocol = $1
		RETURNING `+emissionColumns,
		protocol, string(upd.Status), upd.Situacao, upd.AccessKey, upd.NumeroDocumento, nullJSON(upd.RawResponse),
	)
	return scanEmission(row)
}

func (r *emissionRepo) GetByProtocol(ctx context.Context, protocol string) (*domain.EmissionRecord, error) {
	return scanEmission(r.pool.QueryRow(ctx, `SELECT `+emissionColumns+` FROM emission_record WHERE protocol = $1`, protocol))
}

// ─── Sign requests ───

type signRequestRepo struct{ pool *pgxpool.Pool }

const signRequestColumns = `id, enrollment_id, user_id, document_type, document_id, hash_algorithm, hash_value,
	status, external_sign_id, qr_code_url, signature_value, signature_algorithm,
	requested_at, completed_at, expires_at`

func scanSignRequest(row pgx.Row) (*domain.SignRequest, error) {
	var sr domain.SignRequest
	err := row.Scan(&sr.ID, &sr.EnrollmentID, &sr.UserID, &sr.DocumentType, &sr.DocumentID,
		&sr.HashAlgorithm, &sr.HashValue, &sr.Status, &sr.ExternalSignID, &sr.QRCodeURL,
		&sr.SignatureValue, &sr.SignatureAlgorithm, &sr.RequestedAt, &sr.CompletedAt, &sr.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &sr, nil
}

func (r *signRequestRepo) Create(ctx context.Context, sr *domain.SignRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sign_request (id, enrollment_id, user_id, document_type, document_id,
			hash_algorithm, hash_value, status, requested_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sr.ID, sr.EnrollmentID, sr.UserID, string(sr.DocumentType), sr.DocumentID,
		sr.HashAlgorithm, sr.HashValue, string(sr.Status), sr.RequestedAt, sr.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *signRequestRepo) Get(ctx context.Context, id string) (*domain.SignRequest, error) {
	return scanSignRequest(r.pool.QueryRow(ctx, `SELECT `+signRequestColumns+` FROM sign_request WHERE id = $1`, id))
}

func (r *signRequestRepo) AttachProvider(ctx context.Context, id, externalSignID, qrCodeURL string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sign_request SET external_sign_id = $2, qr_code_url = NULLIF($3, '') WHERE id = $1`,
		id, externalSignID, qrCodeURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *signRequestRepo) Transition(ctx context.Context, id string, t domain.SignTransition) (*domain.SignRequest, error) {
	var sigValue, sigAlg *string
	if t.To == domain.SignApproved {
		sigValue = domain.StrPtr(t.SignatureValue)
		sigAlg = domain.StrPtr(t.SignatureAlgorithm)
	}
	sr, err := scanSignRequest(r.pool.QueryRow(ctx, `
		UPDATE sign_request SET
			status = $2,
			signature_value = $3,
			signature_algorithm = $4,
			completed_at = $5
		WHERE id = $1 AND status = 'PENDING'
		  AND ($2 = 'EXPIRED' OR expires_at > $5)
		RETURNING `+signRequestColumns,
		id, string(t.To), sigValue, sigAlg, t.CompletedAt,
	))
	if errors.Is(err, domain.ErrNotFound) {
		// No aplicó: no existe, ya es terminal o venció.
		cur, gerr := r.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return cur, domain.ErrConflict
	}
	return sr, err
}

// ─── Audit ───

type auditRepo struct{ pool *pgxpool.Pool }

func (r *auditRepo) Append(ctx context.Context, e domain.AuditLogEntry) error {
	data := e.EventData
	if data == nil {
		data = map[string]any{}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sign_audit_log (sign_request_id, user_id, enrollment_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.SignRequestID, e.UserID, e.EnrollmentID, e.EventType, data, ts,
	)
	return err
}

func (r *auditRepo) List(ctx context.Context, signRequestID string) ([]domain.AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sign_request_id, user_id, enrollment_id, event_type, event_data, created_at
		FROM sign_audit_log
		WHERE $1 = '' OR sign_request_id = $1
		ORDER BY id`, signRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.SignRequestID, &e.UserID, &e.EnrollmentID, &e.EventType, &e.EventData, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Events ───

type eventRepo struct{ pool *pgxpool.Pool }

func (r *eventRepo) MarkProcessed(ctx context.Context, ev domain.ProcessedEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_event (event_id, event_type, payload, processed_at, outcome, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (event_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			error = EXCLUDED.error,
			processed_at = EXCLUDED.processed_at`,
		ev.EventID, ev.Type, jsonOr(ev.Payload, "{}"), ev.ProcessedAt, ev.Outcome, ev.Error,
	)
	return err
}

func (r *eventRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_event WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

// ─── Charges ───

type chargeRepo struct{ pool *pgxpool.Pool }

func scanCharge(row pgx.Row) (*domain.Charge, error) {
	var ch domain.Charge
	var status string
	err := row.Scan(&ch.Identifier, &ch.Kind, &ch.UserID, &status, &ch.History, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	ch.Status = domain.ChargeStatus(status)
	return &ch, nil
}

func (r *chargeRepo) UpdateStatus(ctx context.Context, identifier, kind string, status domain.ChargeStatus, history map[string]any) (*domain.Charge, error) {
	if history == nil {
		history = map[string]any{}
	}
	return scanCharge(r.pool.QueryRow(ctx, `
		INSERT INTO charge (identifier, kind, status, history, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (identifier) DO UPDATE SET
			status = EXCLUDED.status,
			history = charge.history || EXCLUDED.history,
			updated_at = NOW()
		RETURNING identifier, kind, COALESCE(user_id, ''), status, history, updated_at`,
		identifier, kind, string(status), history,
	))
}

func (r *chargeRepo) Get(ctx context.Context, identifier string) (*domain.Charge, error) {
	return scanCharge(r.pool.QueryRow(ctx, `
		SELECT identifier, kind, COALESCE(user_id, ''), status, history, updated_at
		FROM charge WHERE identifier = $1`, identifier))
}

// ─── Enrollments ───

type enrollmentRepo struct{ pool *pgxpool.Pool }

func (r *enrollmentRepo) SaveEnrollment(ctx context.Context, e *domain.Enrollment) error {
	status := e.Status
	if status == "" {
		status = "ACTIVE"
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO certificate_enrollment (id, user_id, valid_until, thumbprint, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			valid_until = EXCLUDED.valid_until,
			thumbprint = EXCLUDED.thumbprint,
			status = EXCLUDED.status`,
		e.ID, e.UserID, e.ValidUntil, e.Thumbprint, status,
	)
	return err
}

func (r *enrollmentRepo) GetActiveEnrollment(ctx context.Context, userID string) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, valid_until, thumbprint, status
		FROM certificate_enrollment
		WHERE user_id = $1 AND status = 'ACTIVE' AND valid_until > NOW()
		ORDER BY valid_until DESC
		LIMIT 1`, userID).Scan(&e.ID, &e.UserID, &e.ValidUntil, &e.Thumbprint, &e.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoActiveCertificate
		}
		return nil, err
	}
	return &e, nil
}

// nullJSON pasa nil en lugar de un RawMessage vacío (jsonb no acepta "").
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func jsonOr(b json.RawMessage, def string) string {
	if len(b) == 0 {
		return def
	}
	return string(b)
}
