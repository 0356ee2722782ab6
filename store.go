package carevault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// The unique lookup index backstops duplicate detection under concurrent
// inserts. Erased rows all carry the placeholder hash and are excluded.
const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS records (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	subject_id          TEXT NOT NULL,
	payload             BLOB NOT NULL,
	payload_dek         BLOB NOT NULL,
	kek_version         INTEGER NOT NULL,
	lookup_hash         TEXT NOT NULL,
	instrument          TEXT NOT NULL,
	policy_version      INTEGER NOT NULL,
	risk_label          TEXT NOT NULL,
	crisis_flag         BOOLEAN NOT NULL,
	lifecycle_state     TEXT NOT NULL,
	legal_hold          BOOLEAN NOT NULL DEFAULT FALSE,
	disputed            BOOLEAN NOT NULL DEFAULT FALSE,
	row_version         INTEGER NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	delete_requested_at TIMESTAMP,
	erased_at           TIMESTAMP,
	purged_at           TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_records_tenant_subject ON records (tenant_id, subject_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_tenant_lookup
	ON records (tenant_id, lookup_hash) WHERE lookup_hash <> 'erased'`

// RecordStore is the persistence boundary for protected records. Every query
// is scoped by the Tenant Context resolved from ctx; a context without a
// tenant fails closed, and only a WithoutTenant context may query across
// tenants. Per-record writes are serialized by optimistic row versioning.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates the store and its backing table.
func NewRecordStore(ctx context.Context, db *sql.DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: record database is required", ErrInvalidConfiguration)
	}
	if _, err := db.ExecContext(ctx, createRecordsTableSQL); err != nil {
		return nil, fmt.Errorf("%w: failed to create records table: %w", ErrStorageUnavailable, err)
	}
	return &RecordStore{db: db}, nil
}

// BeginTx starts a transaction so a content write and its audit entry commit
// together.
func (s *RecordStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return tx, nil
}

// Insert persists a new record. The record's tenant must match the resolved
// Tenant Context exactly; the store never trusts a tenant id it did not
// resolve itself.
func (s *RecordStore) Insert(ctx context.Context, tx *sql.Tx, rec *ProtectedRecord) error {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return err
	}
	if !all && rec.TenantID != tenantID {
		return fmt.Errorf("%w: record tenant does not match resolved tenant", ErrDenied)
	}

	rec.RowVersion = 1
	var ex execer = s.db
	if tx != nil {
		ex = tx
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO records (id, tenant_id, subject_id, payload, payload_dek, kek_version,
			lookup_hash, instrument, policy_version, risk_label, crisis_flag,
			lifecycle_state, legal_hold, disputed, row_version, created_at,
			delete_requested_at, erased_at, purged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.SubjectID, rec.Payload, rec.PayloadDEK, rec.KEKVersion,
		rec.LookupHash, rec.Instrument, rec.PolicyVersion, string(rec.RiskLabel),
		rec.CrisisFlag, string(rec.Lifecycle), rec.LegalHold, rec.Disputed,
		rec.RowVersion, rec.CreatedAt, rec.DeleteRequestedAt, rec.ErasedAt, rec.PurgedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			// The unique lookup index caught a concurrent identical
			// submission that slipped past the dedup pre-check.
			return ErrDuplicateSubmission
		}
		return fmt.Errorf("%w: failed to insert record: %w", ErrStorageUnavailable, err)
	}
	return nil
}

const recordColumns = `id, tenant_id, subject_id, payload, payload_dek, kek_version,
	lookup_hash, instrument, policy_version, risk_label, crisis_flag, lifecycle_state,
	legal_hold, disputed, row_version, created_at, delete_requested_at, erased_at, purged_at`

// Get loads one record within the resolved tenant scope. A record owned by
// another tenant is indistinguishable from a missing one.
func (s *RecordStore) Get(ctx context.Context, recordID string) (*ProtectedRecord, error) {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	args := []any{recordID}
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return rec, nil
}

// HasDuplicate reports whether a non-erased record with the same lookup hash
// exists for the tenant. The hash already encodes the submission window, so a
// match means a duplicate within the dedup window.
func (s *RecordStore) HasDuplicate(ctx context.Context, lookupHash string) (bool, error) {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return false, err
	}
	if all {
		return false, fmt.Errorf("%w: dedup check requires a tenant scope", ErrUnauthenticatedTenant)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM records
		WHERE tenant_id = ? AND lookup_hash = ? AND lifecycle_state IN (?, ?)
	`, tenantID, lookupHash, string(StateActive), string(StateSoftDeleted))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

// ListBySubject returns all of a subject's records in the resolved tenant.
func (s *RecordStore) ListBySubject(ctx context.Context, subjectID string) ([]*ProtectedRecord, error) {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, fmt.Errorf("%w: subject listing requires a tenant scope", ErrUnauthenticatedTenant)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE tenant_id = ? AND subject_id = ?
		ORDER BY created_at ASC
	`, tenantID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// update applies a versioned mutation. Zero affected rows means another
// writer won the race (or the record vanished); callers re-read and retry.
func (s *RecordStore) update(ctx context.Context, rec *ProtectedRecord, set string, args ...any) error {
	tenantID, all, err := scopeFromContext(ctx)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE records SET %s, row_version = row_version + 1 WHERE id = ? AND row_version = ?`, set)
	args = append(args, rec.ID, rec.RowVersion)
	if !all {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return ErrWriteConflict
	}
	rec.RowVersion++
	return nil
}

// MarkSoftDeleted moves an active record into the grace period.
func (s *RecordStore) MarkSoftDeleted(ctx context.Context, rec *ProtectedRecord, now time.Time) error {
	if !CanTransition(rec.Lifecycle, StateSoftDeleted) {
		return fmt.Errorf("%w: cannot soft-delete a %s record", ErrLifecycleConflict, rec.Lifecycle)
	}
	err := s.update(ctx, rec, `lifecycle_state = ?, delete_requested_at = ?`,
		string(StateSoftDeleted), now)
	if err != nil {
		return err
	}
	rec.Lifecycle = StateSoftDeleted
	rec.DeleteRequestedAt = &now
	return nil
}

// Restore cancels a pending deletion. This is the single allowed backward
// lifecycle transition.
func (s *RecordStore) Restore(ctx context.Context, rec *ProtectedRecord) error {
	if !CanTransition(rec.Lifecycle, StateActive) {
		return fmt.Errorf("%w: cannot restore a %s record", ErrLifecycleConflict, rec.Lifecycle)
	}
	err := s.update(ctx, rec, `lifecycle_state = ?, delete_requested_at = NULL`,
		string(StateActive))
	if err != nil {
		return err
	}
	rec.Lifecycle = StateActive
	rec.DeleteRequestedAt = nil
	return nil
}

// EraseContent executes the hard delete: ciphertext and lookup hash are
// overwritten with non-reversible placeholders and the wrapped DEK is
// dropped. The row survives for audit-count purposes but carries no
// recoverable content. Erasing an already-erased record is a no-op.
func (s *RecordStore) EraseContent(ctx context.Context, rec *ProtectedRecord, now time.Time) error {
	if rec.Lifecycle == StateHardDeleted || rec.Lifecycle == StatePurged {
		return nil
	}
	if !CanTransition(rec.Lifecycle, StateHardDeleted) {
		return fmt.Errorf("%w: cannot hard-delete a %s record", ErrLifecycleConflict, rec.Lifecycle)
	}
	if rec.LegalHold {
		return fmt.Errorf("%w: record is under legal hold", ErrLegalHoldActive)
	}
	err := s.update(ctx, rec,
		`lifecycle_state = ?, payload = ?, payload_dek = ?, lookup_hash = ?, erased_at = ?`,
		string(StateHardDeleted), []byte(ErasedPayloadPlaceholder), []byte{},
		ErasedLookupHashPlaceholder, now)
	if err != nil {
		return err
	}
	rec.Lifecycle = StateHardDeleted
	rec.Payload = []byte(ErasedPayloadPlaceholder)
	rec.PayloadDEK = nil
	rec.LookupHash = ErasedLookupHashPlaceholder
	rec.ErasedAt = &now
	return nil
}

// MarkPurged records that the backup cycle has elapsed since erasure.
func (s *RecordStore) MarkPurged(ctx context.Context, rec *ProtectedRecord, now time.Time) error {
	if rec.Lifecycle == StatePurged {
		return nil
	}
	if !CanTransition(rec.Lifecycle, StatePurged) {
		return fmt.Errorf("%w: cannot purge a %s record", ErrLifecycleConflict, rec.Lifecycle)
	}
	if err := s.update(ctx, rec, `lifecycle_state = ?, purged_at = ?`, string(StatePurged), now); err != nil {
		return err
	}
	rec.Lifecycle = StatePurged
	rec.PurgedAt = &now
	return nil
}

// SetLegalHold flips the legal-hold override. Holds are only ever set or
// cleared explicitly, never inferred.
func (s *RecordStore) SetLegalHold(ctx context.Context, rec *ProtectedRecord, hold bool) error {
	if err := s.update(ctx, rec, `legal_hold = ?`, hold); err != nil {
		return err
	}
	rec.LegalHold = hold
	return nil
}

// MarkDisputed flags a record superseded by a correction.
func (s *RecordStore) MarkDisputed(ctx context.Context, rec *ProtectedRecord) error {
	if err := s.update(ctx, rec, `disputed = ?`, true); err != nil {
		return err
	}
	rec.Disputed = true
	return nil
}

// RewrapDEK stores a freshly wrapped DEK after an opportunistic re-key on
// write.
func (s *RecordStore) RewrapDEK(ctx context.Context, rec *ProtectedRecord, wrappedDEK []byte, kekVersion int) error {
	err := s.update(ctx, rec, `payload_dek = ?, kek_version = ?`, wrappedDEK, kekVersion)
	if err != nil {
		return err
	}
	rec.PayloadDEK = wrappedDEK
	rec.KEKVersion = kekVersion
	return nil
}

// DueForHardDelete returns soft-deleted records whose deletion request
// predates the cutoff and that carry no legal hold. Requires a privileged
// cross-tenant context; the Retention Scheduler audits that escape hatch.
func (s *RecordStore) DueForHardDelete(ctx context.Context, cutoff time.Time, limit int) ([]*ProtectedRecord, error) {
	return s.dueQuery(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE lifecycle_state = ? AND legal_hold = FALSE AND delete_requested_at <= ?
		ORDER BY delete_requested_at ASC
		LIMIT ?
	`, string(StateSoftDeleted), cutoff, limit)
}

// DueForPurge returns hard-deleted records erased before the cutoff.
func (s *RecordStore) DueForPurge(ctx context.Context, cutoff time.Time, limit int) ([]*ProtectedRecord, error) {
	return s.dueQuery(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE lifecycle_state = ? AND erased_at <= ?
		ORDER BY erased_at ASC
		LIMIT ?
	`, string(StateHardDeleted), cutoff, limit)
}

// DueForRetentionExpiry returns active records older than the statutory
// retention window and not under legal hold.
func (s *RecordStore) DueForRetentionExpiry(ctx context.Context, cutoff time.Time, limit int) ([]*ProtectedRecord, error) {
	return s.dueQuery(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE lifecycle_state = ? AND legal_hold = FALSE AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, string(StateActive), cutoff, limit)
}

func (s *RecordStore) dueQuery(ctx context.Context, query string, args ...any) ([]*ProtectedRecord, error) {
	if !IsPrivileged(ctx) {
		return nil, fmt.Errorf("%w: cross-tenant scan requires a privileged context", ErrDenied)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ProtectedRecord, error) {
	var rec ProtectedRecord
	var riskLabel, lifecycle string
	var deleteRequestedAt, erasedAt, purgedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.Payload, &rec.PayloadDEK,
		&rec.KEKVersion, &rec.LookupHash, &rec.Instrument, &rec.PolicyVersion,
		&riskLabel, &rec.CrisisFlag, &lifecycle, &rec.LegalHold, &rec.Disputed,
		&rec.RowVersion, &rec.CreatedAt, &deleteRequestedAt, &erasedAt, &purgedAt)
	if err != nil {
		return nil, err
	}
	rec.RiskLabel = RiskLabel(riskLabel)
	rec.Lifecycle = LifecycleState(lifecycle)
	if deleteRequestedAt.Valid {
		t := deleteRequestedAt.Time
		rec.DeleteRequestedAt = &t
	}
	if erasedAt.Valid {
		t := erasedAt.Time
		rec.ErasedAt = &t
	}
	if purgedAt.Valid {
		t := purgedAt.Time
		rec.PurgedAt = &t
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*ProtectedRecord, error) {
	var records []*ProtectedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return records, nil
}
