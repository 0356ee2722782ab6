package carevault

import (
	"time"
)

// RiskLabel is the coarse categorical band derived from raw answers at write
// time. It is never recomputed from ciphertext; a classification change
// requires a new record.
type RiskLabel string

const (
	RiskLow      RiskLabel = "low"
	RiskModerate RiskLabel = "moderate"
	RiskHigh     RiskLabel = "high"
	RiskCritical RiskLabel = "critical"
)

// ValidRiskLabel reports whether l is one of the closed set of bands.
func ValidRiskLabel(l RiskLabel) bool {
	switch l {
	case RiskLow, RiskModerate, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// LifecycleState tracks a record through the retention lifecycle. States are
// monotonic; the single allowed backward transition is a restore during the
// grace window (soft_deleted -> active).
type LifecycleState string

const (
	StateActive      LifecycleState = "active"
	StateSoftDeleted LifecycleState = "soft_deleted"
	StateHardDeleted LifecycleState = "hard_deleted"
	StatePurged      LifecycleState = "purged"
)

// CanTransition reports whether moving from one lifecycle state to another is
// allowed. hard_deleted -> hard_deleted is permitted so a retried erasure is a
// no-op rather than an error.
func CanTransition(from, to LifecycleState) bool {
	switch from {
	case StateActive:
		return to == StateSoftDeleted
	case StateSoftDeleted:
		return to == StateActive || to == StateHardDeleted
	case StateHardDeleted:
		return to == StateHardDeleted || to == StatePurged
	}
	return false
}

// Placeholder values written over erased content. They are recognizably not a
// ciphertext envelope, so a decrypt attempt on an erased record always fails.
const (
	ErasedPayloadPlaceholder    = "erased"
	ErasedLookupHashPlaceholder = "erased"
)

// ProtectedRecord is one clinical questionnaire submission. The raw answers
// exist in plaintext only inside the classify/encrypt step; everything that
// reaches storage is the sealed envelope plus derived, non-reversible values.
type ProtectedRecord struct {
	ID        string
	TenantID  string
	SubjectID string

	// Payload is the envelope ciphertext of the raw answers. Replaced
	// wholesale on correction, never partially mutated.
	Payload []byte
	// PayloadDEK is the record's data encryption key, wrapped by the
	// tenant KEK version recorded in KEKVersion.
	PayloadDEK []byte
	KEKVersion int

	// LookupHash is a deterministic one-way digest of
	// (payload, subject, submission window) used only for duplicate
	// detection within a tenant.
	LookupHash string

	// Instrument and PolicyVersion record which screening instrument and
	// policy revision produced the derived values below.
	Instrument    string
	PolicyVersion int

	RiskLabel  RiskLabel
	CrisisFlag bool

	Lifecycle LifecycleState
	LegalHold bool
	Disputed  bool

	// RowVersion serializes writes per record via optimistic locking.
	RowVersion int64

	CreatedAt         time.Time
	DeleteRequestedAt *time.Time
	// ErasedAt is when content was overwritten; PurgedAt is when the
	// backup cycle elapsed and the record reached its terminal state.
	ErasedAt *time.Time
	PurgedAt *time.Time
}

// Erased reports whether the record's content has been overwritten by a
// hard delete.
func (r *ProtectedRecord) Erased() bool {
	return r.Lifecycle == StateHardDeleted || r.Lifecycle == StatePurged ||
		string(r.Payload) == ErasedPayloadPlaceholder
}

// InGracePeriod reports whether a soft-deleted record can still be restored.
func (r *ProtectedRecord) InGracePeriod(now time.Time, grace time.Duration) bool {
	if r.Lifecycle != StateSoftDeleted || r.DeleteRequestedAt == nil {
		return false
	}
	return now.Before(r.DeleteRequestedAt.Add(grace))
}
