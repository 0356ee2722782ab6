package carevault

import (
	"errors"
	"fmt"
)

var (
	// Dependency errors
	ErrKMSUnavailable     = errors.New("KMS service unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSecretNotFound     = errors.New("secret not found")

	// Security violations
	ErrEncryptionFailed   = errors.New("encryption failed")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrUnencryptedPayload = errors.New("payload is not encrypted")
	ErrForbiddenField     = errors.New("forbidden field present")
	ErrDenied             = errors.New("access denied")
	ErrAuditFailed        = errors.New("audit append failed")

	// Tenant errors
	ErrUnauthenticatedTenant = errors.New("no tenant resolved for operation")

	// Validation errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidPolicy        = errors.New("invalid instrument policy")
	ErrInvalidSubmission    = errors.New("invalid submission")
	ErrDuplicateSubmission  = errors.New("duplicate submission")

	// Lifecycle conflicts
	ErrRecordNotFound    = errors.New("record not found")
	ErrLifecycleConflict = errors.New("lifecycle conflict")
	ErrDeletionTooLate   = errors.New("deletion can no longer be cancelled")
	ErrLegalHoldActive   = errors.New("legal hold active")
	ErrWriteConflict     = errors.New("concurrent write conflict")
)

// Violation carries the explicit reason for an Access Guard denial so the
// decision is never hidden from the audit trail behind an opaque error.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("access denied: %s", v.Reason)
}

func (v *Violation) Unwrap() error { return ErrDenied }

func NewViolation(format string, args ...any) *Violation {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryableError returns true if the error represents a transient failure
// that might succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrKMSUnavailable) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrWriteConflict)
}

// IsSecurityViolation returns true if the error must fail the triggering
// operation and be audited, never coerced to a default.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrUnencryptedPayload) ||
		errors.Is(err, ErrForbiddenField) ||
		errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrDenied)
}

// IsValidationError returns true if the error represents malformed input or a
// policy violation recovered locally and returned to the caller.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrInvalidSubmission) ||
		errors.Is(err, ErrDuplicateSubmission)
}

// IsLifecycleConflict returns true if the error is a declined-but-not-fatal
// lifecycle result, such as cancelling a deletion after the grace period.
func IsLifecycleConflict(err error) bool {
	return errors.Is(err, ErrLifecycleConflict) ||
		errors.Is(err, ErrDeletionTooLate) ||
		errors.Is(err, ErrLegalHoldActive)
}
