package carevault

import (
	"fmt"
	"time"

	"github.com/hengadev/errsx"

	"github.com/carevault/carevault/internal/crypto"
)

// Role is the caller's clinical role as asserted by the excluded identity
// layer. Roles gate which projected fields a read may return.
type Role string

const (
	// RoleClinician may see decrypted raw answers, but only for subjects
	// they are explicitly assigned to.
	RoleClinician Role = "clinician"
	// RoleCareCoordinator may see the categorical risk label and crisis
	// flag, never raw answers.
	RoleCareCoordinator Role = "care_coordinator"
	// RoleAnalytics sees neither risk labels nor answers.
	RoleAnalytics Role = "analytics"
	// RoleCompliance may see lifecycle metadata and the audit trail, not
	// clinical content.
	RoleCompliance Role = "compliance"
)

// Caller identifies who is performing an operation.
type Caller struct {
	ID       string
	Role     Role
	Subjects []string // subject ids a clinician is assigned to
}

func (c Caller) assignedTo(subjectID string) bool {
	for _, s := range c.Subjects {
		if s == subjectID {
			return true
		}
	}
	return false
}

// Projected field names accepted by Read.
const (
	FieldRiskLabel  = "risk_label"
	FieldCrisisFlag = "crisis_flag"
	FieldLifecycle  = "lifecycle_state"
	FieldCreatedAt  = "created_at"
	FieldAnswers    = "answers"
)

// RecordView is the outbound projection of a record: only fields on the
// caller's allow-list, with raw answers present only when the guard approved
// PHI access.
type RecordView struct {
	RecordID   string         `json:"record_id"`
	RiskLabel  RiskLabel      `json:"risk_label,omitempty"`
	CrisisFlag *bool          `json:"crisis_flag,omitempty"`
	Lifecycle  LifecycleState `json:"lifecycle_state,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	Answers    map[string]int `json:"answers,omitempty"`
}

// AccessGuard validates structural invariants before any write and projects
// outbound record shapes by role. It is pure in-memory computation; denials
// are returned as *Violation so the service can audit the explicit reason.
type AccessGuard struct {
	// MaxPayloadBytes bounds the sealed payload size accepted for write.
	MaxPayloadBytes int
}

// NewAccessGuard returns a guard with default size limits.
func NewAccessGuard() *AccessGuard {
	return &AccessGuard{MaxPayloadBytes: 64 * 1024}
}

// ValidateAnswers rejects submissions carrying answer keys outside the
// instrument's declared item list. Free-text or identifier fields smuggled in
// as answer keys are forbidden plaintext.
func (g *AccessGuard) ValidateAnswers(answers map[string]int, policy *InstrumentPolicy) error {
	if policy.itemIndex == nil {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}
	}
	var errs errsx.Map
	forbidden := false
	if len(answers) == 0 {
		errs.Set("answers", fmt.Errorf("empty submission"))
	}
	for name := range answers {
		if _, ok := policy.itemIndex[name]; !ok {
			forbidden = true
			errs.Set(name, fmt.Errorf("'%s' is not a declared item of instrument '%s'",
				name, policy.Instrument))
		}
	}
	if err := errs.AsError(); err != nil {
		if forbidden {
			return fmt.Errorf("%w: %w", ErrForbiddenField, err)
		}
		return fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	return nil
}

// ValidateForWrite rejects any record whose payload is not recognizably an
// encrypted envelope, or that is structurally incomplete. An unencrypted
// write attempt is a fatal construction error, never a silent pass-through.
func (g *AccessGuard) ValidateForWrite(rec *ProtectedRecord) error {
	var errs errsx.Map
	var kind error

	// fail records the first violation category; the returned error wraps
	// it so callers can classify with errors.Is.
	fail := func(key string, sentinel error, err error) {
		errs.Set(key, err)
		if kind == nil {
			kind = sentinel
		}
	}

	if rec.TenantID == "" {
		fail("tenant_id", ErrUnauthenticatedTenant, fmt.Errorf("tenant id is required"))
	}
	if !crypto.IsEnvelope(rec.Payload) {
		fail("payload", ErrUnencryptedPayload, fmt.Errorf("payload is not an encrypted envelope"))
	}
	if len(rec.PayloadDEK) == 0 {
		fail("payload_dek", ErrUnencryptedPayload, fmt.Errorf("wrapped DEK is required"))
	}
	if rec.KEKVersion <= 0 {
		fail("kek_version", ErrUnencryptedPayload, fmt.Errorf("KEK version is required"))
	}
	if rec.SubjectID == "" {
		fail("subject_id", ErrInvalidSubmission, fmt.Errorf("subject id is required"))
	}
	if g.MaxPayloadBytes > 0 && len(rec.Payload) > g.MaxPayloadBytes {
		fail("payload_size", ErrInvalidSubmission, fmt.Errorf("payload exceeds %d bytes", g.MaxPayloadBytes))
	}
	if rec.LookupHash == "" {
		fail("lookup_hash", ErrInvalidSubmission, fmt.Errorf("lookup hash is required"))
	}
	if !ValidRiskLabel(rec.RiskLabel) {
		fail("risk_label", ErrInvalidSubmission, fmt.Errorf("unknown risk label '%s'", rec.RiskLabel))
	}

	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// FilterForRead returns the projection of a record the caller's role is
// entitled to, restricted to the requested fields. needPHI reports whether
// the service must decrypt the payload to complete the view. A nil error
// with needPHI=false means the view is complete as returned.
func (g *AccessGuard) FilterForRead(rec *ProtectedRecord, caller Caller, requestedFields []string) (view *RecordView, needPHI bool, err error) {
	allowed, phiAllowed := g.entitlements(rec, caller)

	if len(allowed) == 0 {
		return nil, false, NewViolation("role '%s' has no access to protected records", caller.Role)
	}
	if len(requestedFields) == 0 {
		return nil, false, NewViolation("no fields requested")
	}

	view = &RecordView{RecordID: rec.ID}
	for _, f := range requestedFields {
		if !allowed[f] {
			if f == FieldAnswers && !phiAllowed {
				return nil, false, NewViolation("role '%s' is not entitled to raw answers for subject", caller.Role)
			}
			return nil, false, NewViolation("role '%s' is not entitled to field '%s'", caller.Role, f)
		}
		switch f {
		case FieldRiskLabel:
			view.RiskLabel = rec.RiskLabel
		case FieldCrisisFlag:
			crisis := rec.CrisisFlag
			view.CrisisFlag = &crisis
		case FieldLifecycle:
			view.Lifecycle = rec.Lifecycle
		case FieldCreatedAt:
			created := rec.CreatedAt
			view.CreatedAt = &created
		case FieldAnswers:
			needPHI = true
		default:
			return nil, false, NewViolation("unknown field '%s'", f)
		}
	}
	return view, needPHI, nil
}

// CanExport reports whether the caller may assemble a subject's portable
// document. Export decrypts every active submission, so it is held to the
// same bar as raw answers: compliance, or a clinician assigned to the
// subject.
func (g *AccessGuard) CanExport(caller Caller, subjectID string) error {
	switch caller.Role {
	case RoleCompliance:
		return nil
	case RoleClinician:
		if caller.assignedTo(subjectID) {
			return nil
		}
		return NewViolation("clinician '%s' is not assigned to subject", caller.ID)
	}
	return NewViolation("role '%s' may not export subject data", caller.Role)
}

// entitlements returns the per-role field allow-list for a record. Raw
// answers require a clinician explicitly assigned to the subject; analytics
// roles see neither answers nor risk values.
func (g *AccessGuard) entitlements(rec *ProtectedRecord, caller Caller) (allowed map[string]bool, phiAllowed bool) {
	switch caller.Role {
	case RoleClinician:
		allowed = map[string]bool{
			FieldRiskLabel:  true,
			FieldCrisisFlag: true,
			FieldLifecycle:  true,
			FieldCreatedAt:  true,
		}
		if caller.assignedTo(rec.SubjectID) {
			allowed[FieldAnswers] = true
			phiAllowed = true
		}
	case RoleCareCoordinator:
		allowed = map[string]bool{
			FieldRiskLabel:  true,
			FieldCrisisFlag: true,
			FieldLifecycle:  true,
			FieldCreatedAt:  true,
		}
	case RoleCompliance:
		allowed = map[string]bool{
			FieldLifecycle: true,
			FieldCreatedAt: true,
		}
	case RoleAnalytics:
		// No record-level fields at all for analytics views.
		allowed = nil
	}
	return allowed, phiAllowed
}
