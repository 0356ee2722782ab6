package carevault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the audited operation type.
type Action string

const (
	ActionRead          Action = "read"
	ActionWrite         Action = "write"
	ActionExport        Action = "export"
	ActionDeleteRequest Action = "delete_request"
	ActionDeleteExecute Action = "delete_execute"
	ActionRestore       Action = "restore"
	ActionLegalHold     Action = "legal_hold"
	ActionCrossTenant   Action = "cross_tenant"
)

// AuditEntry is one append-only access record. Entries are never updated or
// deleted; their retention mirrors or exceeds ProtectedRecord retention.
type AuditEntry struct {
	ID          string
	ActorID     string
	TenantID    string
	Action      Action
	RecordID    string
	OccurredAt  time.Time
	PHIAccessed bool
	// Detail carries the explicit denial reason for refused attempts, or a
	// short operational note. Never raw PHI content.
	Detail string
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id           TEXT PRIMARY KEY,
	actor_id     TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	action       TEXT NOT NULL,
	record_id    TEXT NOT NULL DEFAULT '',
	occurred_at  TIMESTAMP NOT NULL,
	phi_accessed BOOLEAN NOT NULL,
	detail       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_record
	ON audit_entries (tenant_id, record_id, occurred_at)`

// AuditRecorder appends immutable access records. The public contract has no
// update or delete; write-once enforcement at the storage medium is assumed
// to be provided underneath.
type AuditRecorder struct {
	db *sql.DB
}

// NewAuditRecorder creates the recorder and its backing table.
func NewAuditRecorder(ctx context.Context, db *sql.DB) (*AuditRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: audit database is required", ErrInvalidConfiguration)
	}
	if _, err := db.ExecContext(ctx, createAuditTableSQL); err != nil {
		return nil, fmt.Errorf("%w: failed to create audit_entries table: %w", ErrStorageUnavailable, err)
	}
	return &AuditRecorder{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append commits one audit entry. When tx is non-nil the entry joins the
// protected operation's transaction, so the audit row commits no later than
// the operation itself. A failed append must fail the triggering operation.
func (a *AuditRecorder) Append(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	if e.ActorID == "" || e.TenantID == "" || e.Action == "" {
		return fmt.Errorf("%w: actor, tenant and action are required", ErrAuditFailed)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		// Fallback for direct recorder use; the service and scheduler
		// stamp entries from their own clock.
		e.OccurredAt = time.Now().UTC()
	}

	var ex execer = a.db
	if tx != nil {
		ex = tx
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor_id, tenant_id, action, record_id, occurred_at, phi_accessed, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorID, e.TenantID, string(e.Action), e.RecordID, e.OccurredAt, e.PHIAccessed, e.Detail)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuditFailed, err)
	}
	return nil
}

// ListByRecord returns the trail for one record in occurrence order. Intended
// for authorized compliance roles; entries carry denial reasons but never
// PHI.
func (a *AuditRecorder) ListByRecord(ctx context.Context, recordID string) ([]AuditEntry, error) {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, actor_id, tenant_id, action, record_id, occurred_at, phi_accessed, detail
		FROM audit_entries
		WHERE record_id = ?`
	args := []any{recordID}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	// rowid breaks ties between entries stamped at the same instant,
	// preserving insertion order.
	query += ` ORDER BY occurred_at ASC, rowid ASC`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.TenantID, &action, &e.RecordID, &e.OccurredAt, &e.PHIAccessed, &e.Detail); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
