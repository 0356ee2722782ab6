package carevault

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViolationUnwrapsToDenied(t *testing.T) {
	v := NewViolation("role '%s' has no access", RoleAnalytics)
	assert.ErrorIs(t, v, ErrDenied)
	assert.Contains(t, v.Error(), "analytics")
	assert.NotEmpty(t, v.Reason)
}

func TestErrorClassifiers(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrKMSUnavailable)

	assert.True(t, IsRetryableError(wrapped))
	assert.True(t, IsRetryableError(ErrStorageUnavailable))
	assert.True(t, IsRetryableError(ErrWriteConflict))
	assert.False(t, IsRetryableError(ErrDecryptionFailed))

	assert.True(t, IsSecurityViolation(ErrUnencryptedPayload))
	assert.True(t, IsSecurityViolation(NewViolation("denied")))
	assert.False(t, IsSecurityViolation(ErrInvalidSubmission))

	assert.True(t, IsValidationError(ErrDuplicateSubmission))
	assert.False(t, IsValidationError(ErrDenied))

	assert.True(t, IsLifecycleConflict(ErrDeletionTooLate))
	assert.True(t, IsLifecycleConflict(ErrLegalHoldActive))
	assert.False(t, IsLifecycleConflict(ErrRecordNotFound))
}
