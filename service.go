package carevault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service is the caller-facing surface consumed by the excluded HTTP/CLI
// layer. It wires the Crypto Codec, Access Guard, Risk Classifier, Audit
// Recorder and Record Store together; every operation requires a resolved
// Tenant Context and commits its audit entry no later than itself.
type Service struct {
	codec    *Codec
	store    *RecordStore
	audit    *AuditRecorder
	guard    *AccessGuard
	cfg      Config
	logger   *zap.Logger
	policies map[string]*InstrumentPolicy
	sink     ExportSink
	now      func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithExportSink attaches an archive destination for portable documents.
func WithExportSink(sink ExportSink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source. Used by tests and the scheduler.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService assembles the subsystem. policies maps instrument name to its
// validated policy; submissions naming an unknown instrument are rejected.
func NewService(codec *Codec, store *RecordStore, audit *AuditRecorder, guard *AccessGuard,
	policies map[string]*InstrumentPolicy, cfg Config, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if codec == nil || store == nil || audit == nil || guard == nil {
		return nil, fmt.Errorf("%w: codec, store, audit and guard are required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		codec:    codec,
		store:    store,
		audit:    audit,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// writeConflictAttempts bounds the optimistic-lock retry loop on lifecycle
// updates.
const writeConflictAttempts = 3

// Submit ingests a raw answer set. Classification runs on the transient
// plaintext, the sealed record is validated and persisted, and the audit
// entry commits in the same transaction. The plaintext never outlives this
// call.
func (s *Service) Submit(ctx context.Context, caller Caller, subjectID, instrument string, answers map[string]int) (string, error) {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return "", err
	}

	policy, ok := s.policies[instrument]
	if !ok {
		return "", fmt.Errorf("%w: unknown instrument '%s'", ErrInvalidSubmission, instrument)
	}

	if err := s.guard.ValidateAnswers(answers, policy); err != nil {
		if errors.Is(err, ErrForbiddenField) {
			s.auditDenial(ctx, caller, tenantID, ActionWrite, "", err.Error())
		}
		return "", err
	}

	riskLabel, crisisFlag, err := Classify(answers, policy)
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	now := s.now()
	bucket := now.Unix() / int64(s.cfg.DedupWindow/time.Second)
	sealed, err := s.codec.Encrypt(ctx, tenantID, plaintext, subjectID, bucket)
	if err != nil {
		return "", err
	}

	dup, err := s.store.HasDuplicate(ctx, sealed.LookupHash)
	if err != nil {
		return "", err
	}
	if dup {
		s.auditDenial(ctx, caller, tenantID, ActionWrite, "", "duplicate submission within dedup window")
		return "", ErrDuplicateSubmission
	}

	rec := &ProtectedRecord{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SubjectID:     subjectID,
		Payload:       sealed.Ciphertext,
		PayloadDEK:    sealed.WrappedDEK,
		KEKVersion:    sealed.KEKVersion,
		LookupHash:    sealed.LookupHash,
		Instrument:    policy.Instrument,
		PolicyVersion: policy.Version,
		RiskLabel:     riskLabel,
		CrisisFlag:    crisisFlag,
		Lifecycle:     StateActive,
		CreatedAt:     now,
	}

	if err := s.guard.ValidateForWrite(rec); err != nil {
		s.auditDenial(ctx, caller, tenantID, ActionWrite, rec.ID, err.Error())
		return "", err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := s.store.Insert(ctx, tx, rec); err != nil {
		return "", err
	}
	err = s.audit.Append(ctx, tx, AuditEntry{
		ActorID:     caller.ID,
		TenantID:    tenantID,
		Action:      ActionWrite,
		RecordID:    rec.ID,
		OccurredAt:  now,
		PHIAccessed: true,
	})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if crisisFlag {
		// Out-of-band escalation is an external collaborator; the log
		// line carries no clinical content.
		s.logger.Warn("crisis flag raised on submission",
			zap.String("tenant_id", tenantID),
			zap.String("record_id", rec.ID))
	}
	return rec.ID, nil
}

// Read returns the projection of a record the caller is entitled to. Raw
// answers are decrypted only when explicitly requested by an authorized
// caller, and only after the read has been audited.
func (s *Service) Read(ctx context.Context, caller Caller, recordID string, requestedFields []string) (*RecordView, error) {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	view, needPHI, err := s.guard.FilterForRead(rec, caller, requestedFields)
	if err != nil {
		var v *Violation
		detail := err.Error()
		if errors.As(err, &v) {
			detail = v.Reason
		}
		s.auditDenial(ctx, caller, tenantID, ActionRead, recordID, detail)
		return nil, err
	}

	err = s.audit.Append(ctx, nil, AuditEntry{
		ActorID:     caller.ID,
		TenantID:    tenantID,
		Action:      ActionRead,
		RecordID:    recordID,
		OccurredAt:  s.now(),
		PHIAccessed: needPHI,
	})
	if err != nil {
		return nil, err
	}

	if needPHI {
		plaintext, err := s.codec.Decrypt(ctx, rec)
		if err != nil {
			if errors.Is(err, ErrDecryptionFailed) && !rec.Erased() {
				// Tamper evidence: audited, logged, surfaced fatal.
				s.auditDenial(ctx, caller, tenantID, ActionRead, recordID, "decryption failed: possible tampering")
				s.logger.Error("record decryption failed",
					zap.String("tenant_id", tenantID),
					zap.String("record_id", recordID))
			}
			return nil, err
		}
		if err := json.Unmarshal(plaintext, &view.Answers); err != nil {
			return nil, fmt.Errorf("%w: stored payload is not a valid answer set: %w", ErrDecryptionFailed, err)
		}
	}
	return view, nil
}

// RequestDeletion soft-deletes all of a subject's active records and returns
// the time the grace period ends and erasure becomes eligible.
func (s *Service) RequestDeletion(ctx context.Context, caller Caller, subjectID string) (time.Time, error) {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return time.Time{}, err
	}

	records, err := s.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	for _, rec := range records {
		if rec.Lifecycle != StateActive {
			continue
		}
		// Audit first, then content: the trail must never commit after
		// the operation it describes.
		err := s.audit.Append(ctx, nil, AuditEntry{
			ActorID:    caller.ID,
			TenantID:   tenantID,
			Action:     ActionDeleteRequest,
			RecordID:   rec.ID,
			OccurredAt: now,
		})
		if err != nil {
			return time.Time{}, err
		}
		if err := s.withConflictRetry(ctx, rec, func(r *ProtectedRecord) error {
			if r.Lifecycle != StateActive {
				return nil
			}
			return s.store.MarkSoftDeleted(ctx, r, now)
		}); err != nil {
			return time.Time{}, err
		}
	}
	return now.Add(s.cfg.GracePeriod), nil
}

// CancelDeletion restores a soft-deleted record during the grace window.
// After the window (or once erasure ran) the request is declined with
// ErrDeletionTooLate.
func (s *Service) CancelDeletion(ctx context.Context, caller Caller, recordID string) error {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return err
	}

	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Lifecycle == StateActive {
		return nil
	}
	if !rec.InGracePeriod(s.now(), s.cfg.GracePeriod) {
		return ErrDeletionTooLate
	}

	err = s.audit.Append(ctx, nil, AuditEntry{
		ActorID:    caller.ID,
		TenantID:   tenantID,
		Action:     ActionRestore,
		RecordID:   recordID,
		OccurredAt: s.now(),
	})
	if err != nil {
		return err
	}
	return s.withConflictRetry(ctx, rec, func(r *ProtectedRecord) error {
		if r.Lifecycle == StateActive {
			return nil
		}
		if !r.InGracePeriod(s.now(), s.cfg.GracePeriod) {
			return ErrDeletionTooLate
		}
		return s.store.Restore(ctx, r)
	})
}

// SetLegalHold sets or clears the legal-hold override. Both directions are
// explicit, audited actions; a hold is never inferred.
func (s *Service) SetLegalHold(ctx context.Context, caller Caller, recordID string, hold bool) error {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return err
	}

	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return err
	}

	detail := "cleared"
	if hold {
		detail = "set"
	}
	err = s.audit.Append(ctx, nil, AuditEntry{
		ActorID:    caller.ID,
		TenantID:   tenantID,
		Action:     ActionLegalHold,
		RecordID:   recordID,
		OccurredAt: s.now(),
		Detail:     detail,
	})
	if err != nil {
		return err
	}
	return s.withConflictRetry(ctx, rec, func(r *ProtectedRecord) error {
		if r.LegalHold == hold {
			return nil
		}
		if err := s.store.SetLegalHold(ctx, r, hold); err != nil {
			return err
		}
		return s.maybeRewrap(ctx, r)
	})
}

// Correct supersedes a record after a dispute: the original is marked
// disputed and a new record is created from the corrected answers with a
// fresh classification and a fresh envelope. The two records are not
// cross-referenced.
func (s *Service) Correct(ctx context.Context, caller Caller, recordID string, answers map[string]int) (string, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return "", err
	}
	if rec.Lifecycle != StateActive {
		return "", fmt.Errorf("%w: only active records can be corrected", ErrLifecycleConflict)
	}

	newID, err := s.Submit(ctx, caller, rec.SubjectID, rec.Instrument, answers)
	if err != nil {
		return "", err
	}

	if err := s.withConflictRetry(ctx, rec, func(r *ProtectedRecord) error {
		if r.Disputed {
			return nil
		}
		return s.store.MarkDisputed(ctx, r)
	}); err != nil {
		return "", err
	}
	return newID, nil
}

// AuditTrail returns a record's trail for authorized compliance roles.
func (s *Service) AuditTrail(ctx context.Context, caller Caller, recordID string) ([]AuditEntry, error) {
	if caller.Role != RoleCompliance {
		tenantID, err := TenantFromContext(ctx)
		if err != nil {
			return nil, err
		}
		v := NewViolation("role '%s' may not read audit trails", caller.Role)
		s.auditDenial(ctx, caller, tenantID, ActionRead, recordID, v.Reason)
		return nil, v
	}
	return s.audit.ListByRecord(ctx, recordID)
}

// maybeRewrap opportunistically re-keys a record's DEK under the tenant's
// current KEK version.
func (s *Service) maybeRewrap(ctx context.Context, rec *ProtectedRecord) error {
	if rec.Erased() {
		return nil
	}
	wrapped, version, err := s.codec.Rewrap(ctx, rec)
	if err != nil || version == rec.KEKVersion {
		return err
	}
	return s.store.RewrapDEK(ctx, rec, wrapped, version)
}

// withConflictRetry re-reads and retries a versioned mutation that lost an
// optimistic-lock race, up to writeConflictAttempts times.
func (s *Service) withConflictRetry(ctx context.Context, rec *ProtectedRecord, op func(*ProtectedRecord) error) error {
	current := rec
	for attempt := 0; ; attempt++ {
		err := op(current)
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
		if attempt >= writeConflictAttempts-1 {
			return err
		}
		reread, getErr := s.store.Get(ctx, current.ID)
		if getErr != nil {
			return getErr
		}
		*current = *reread
	}
}

// auditDenial records a refused attempt with its explicit reason. A failure
// to audit the denial is logged; the caller still receives the original
// denial.
func (s *Service) auditDenial(ctx context.Context, caller Caller, tenantID string, action Action, recordID, reason string) {
	err := s.audit.Append(ctx, nil, AuditEntry{
		ActorID:     caller.ID,
		TenantID:    tenantID,
		Action:      action,
		RecordID:    recordID,
		OccurredAt:  s.now(),
		PHIAccessed: false,
		Detail:      reason,
	})
	if err != nil {
		s.logger.Error("failed to audit denial",
			zap.String("tenant_id", tenantID),
			zap.String("record_id", recordID),
			zap.Error(err))
	}
}
