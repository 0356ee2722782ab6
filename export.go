package carevault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExportSink archives a portable document outside the record store, e.g. an
// S3 bucket handed to the data subject.
type ExportSink interface {
	Store(ctx context.Context, name string, doc []byte) error
}

// PortableDocument is the machine-readable data-portability bundle for one
// subject. It carries the subject's pseudonym and raw submissions only; risk
// labels, crisis flags and audit metadata are internal derivations and are
// deliberately absent.
type PortableDocument struct {
	Pseudonym   string               `json:"pseudonym"`
	GeneratedAt time.Time            `json:"generated_at"`
	Submissions []ExportedSubmission `json:"submissions"`
}

// ExportedSubmission is one decrypted submission inside a portable document.
type ExportedSubmission struct {
	Instrument  string         `json:"instrument"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Answers     map[string]int `json:"answers"`
}

// Export assembles a subject's portable document from their active records.
// Only entitled callers may export; every record decryption is an audited PHI
// access. When a sink is configured the serialized document is archived under
// the subject's pseudonym.
func (s *Service) Export(ctx context.Context, caller Caller, subjectID string) (*PortableDocument, error) {
	tenantID, err := TenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.guard.CanExport(caller, subjectID); err != nil {
		var v *Violation
		detail := err.Error()
		if errors.As(err, &v) {
			detail = v.Reason
		}
		s.auditDenial(ctx, caller, tenantID, ActionExport, "", detail)
		return nil, err
	}

	records, err := s.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	pseudonym, err := s.codec.Pseudonym(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	doc := &PortableDocument{
		Pseudonym:   pseudonym,
		GeneratedAt: s.now(),
		Submissions: []ExportedSubmission{},
	}
	for _, rec := range records {
		if rec.Lifecycle != StateActive {
			continue
		}
		err := s.audit.Append(ctx, nil, AuditEntry{
			ActorID:     caller.ID,
			TenantID:    tenantID,
			Action:      ActionExport,
			RecordID:    rec.ID,
			OccurredAt:  s.now(),
			PHIAccessed: true,
		})
		if err != nil {
			return nil, err
		}
		plaintext, err := s.codec.Decrypt(ctx, rec)
		if err != nil {
			return nil, err
		}
		var answers map[string]int
		if err := json.Unmarshal(plaintext, &answers); err != nil {
			return nil, fmt.Errorf("%w: stored payload is not a valid answer set: %w", ErrDecryptionFailed, err)
		}
		doc.Submissions = append(doc.Submissions, ExportedSubmission{
			Instrument:  rec.Instrument,
			SubmittedAt: rec.CreatedAt,
			Answers:     answers,
		})
	}

	if s.sink != nil {
		serialized, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("exports/%s/%s.json", tenantID, pseudonym)
		if err := s.sink.Store(ctx, name, serialized); err != nil {
			return nil, fmt.Errorf("%w: failed to archive export: %w", ErrStorageUnavailable, err)
		}
	}
	return doc, nil
}
