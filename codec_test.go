package carevault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/carevault/internal/crypto"
	"github.com/carevault/carevault/internal/reliability"
)

func fastRetry() reliability.Config {
	return reliability.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
	}
}

func TestCodecEncryptDecryptRoundTrip(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()

	plaintext := []byte(`{"item1":2,"item9":1}`)
	sealed, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)

	assert.True(t, crypto.IsEnvelope(sealed.Ciphertext))
	assert.Equal(t, 1, sealed.KEKVersion)
	assert.NotEmpty(t, sealed.WrappedDEK)
	assert.NotEmpty(t, sealed.LookupHash)

	rec := &ProtectedRecord{
		TenantID:   "clinic-a",
		Payload:    sealed.Ciphertext,
		PayloadDEK: sealed.WrappedDEK,
		KEKVersion: sealed.KEKVersion,
		Lifecycle:  StateActive,
	}
	opened, err := h.Codec.Decrypt(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCodecLookupHashProperties(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()
	plaintext := []byte(`{"item1":2}`)

	first, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)
	second, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)

	// Deterministic hash, non-deterministic ciphertext.
	assert.Equal(t, first.LookupHash, second.LookupHash)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)

	otherTenant, err := h.Codec.Encrypt(ctx, "clinic-b", plaintext, "subject-1", 100)
	require.NoError(t, err)
	assert.NotEqual(t, first.LookupHash, otherTenant.LookupHash)

	otherBucket, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 101)
	require.NoError(t, err)
	assert.NotEqual(t, first.LookupHash, otherBucket.LookupHash)
}

func TestCodecDecryptTamperEvidence(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()

	sealed, err := h.Codec.Encrypt(ctx, "clinic-a", []byte(`{"item1":2}`), "subject-1", 100)
	require.NoError(t, err)

	tampered := make([]byte, len(sealed.Ciphertext))
	copy(tampered, sealed.Ciphertext)
	tampered[len(tampered)-1] ^= 0xFF

	rec := &ProtectedRecord{
		TenantID:   "clinic-a",
		Payload:    tampered,
		PayloadDEK: sealed.WrappedDEK,
		KEKVersion: sealed.KEKVersion,
		Lifecycle:  StateActive,
	}
	_, err = h.Codec.Decrypt(ctx, rec)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCodecDecryptErasedRecordFails(t *testing.T) {
	h := NewTestService(t)

	rec := &ProtectedRecord{
		TenantID:  "clinic-a",
		Payload:   []byte(ErasedPayloadPlaceholder),
		Lifecycle: StateHardDeleted,
	}
	_, err := h.Codec.Decrypt(context.Background(), rec)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCodecKEKRotation(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()
	plaintext := []byte(`{"item1":2}`)

	oldSealed, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)
	require.Equal(t, 1, oldSealed.KEKVersion)

	newVersion, err := h.Codec.RotateTenantKEK(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	// New writes pick up the new version.
	newSealed, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, newSealed.KEKVersion)

	// Records written under the old version stay decryptable.
	oldRec := &ProtectedRecord{
		TenantID:   "clinic-a",
		Payload:    oldSealed.Ciphertext,
		PayloadDEK: oldSealed.WrappedDEK,
		KEKVersion: oldSealed.KEKVersion,
		Lifecycle:  StateActive,
	}
	opened, err := h.Codec.Decrypt(ctx, oldRec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// Rewrap moves the old record onto the current version.
	wrapped, version, err := h.Codec.Rewrap(ctx, oldRec)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NotEqual(t, oldRec.PayloadDEK, wrapped)

	oldRec.PayloadDEK = wrapped
	oldRec.KEKVersion = version
	opened, err = h.Codec.Decrypt(ctx, oldRec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCodecRewrapIsNoOpOnCurrentVersion(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()

	sealed, err := h.Codec.Encrypt(ctx, "clinic-a", []byte(`{"item1":2}`), "subject-1", 100)
	require.NoError(t, err)

	rec := &ProtectedRecord{
		TenantID:   "clinic-a",
		PayloadDEK: sealed.WrappedDEK,
		KEKVersion: sealed.KEKVersion,
	}
	wrapped, version, err := h.Codec.Rewrap(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, sealed.KEKVersion, version)
	assert.Equal(t, sealed.WrappedDEK, wrapped)
}

func TestCodecConcurrentFirstUseSharesPepper(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()
	plaintext := []byte(`{"item1":2}`)

	// Two simultaneous first encrypts for a brand-new tenant must agree on
	// one pepper; if each minted its own, lookup hashes for the same
	// submission would diverge forever.
	const workers = 8
	hashes := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sealed, err := h.Codec.Encrypt(ctx, "clinic-new", plaintext, "subject-1", 100)
			if err != nil {
				errs[i] = err
				return
			}
			hashes[i] = sealed.LookupHash
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, hashes[0], hashes[i])
	}
}

func TestCodecPepperSurvivesRestart(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()
	plaintext := []byte(`{"item1":2}`)

	first, err := h.Codec.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)

	// A fresh codec over the same KMS and key metadata must derive the same
	// lookup hash, or dedup would silently fork on restart.
	fresh, err := NewCodec(ctx, h.KMS, h.Codec.keyDB, nil)
	require.NoError(t, err)
	second, err := fresh.Encrypt(ctx, "clinic-a", plaintext, "subject-1", 100)
	require.NoError(t, err)
	assert.Equal(t, first.LookupHash, second.LookupHash)
}

func TestCodecKMSOutage(t *testing.T) {
	h := NewTestService(t)
	h.Codec.retry = fastRetry()
	ctx := context.Background()

	h.KMS.FailKMS = true
	_, err := h.Codec.Encrypt(ctx, "clinic-a", []byte(`{"item1":2}`), "subject-1", 100)
	assert.ErrorIs(t, err, ErrKMSUnavailable)
}

func TestCodecPseudonym(t *testing.T) {
	h := NewTestService(t)
	ctx := context.Background()

	first, err := h.Codec.Pseudonym(ctx, "clinic-a", "subject-1")
	require.NoError(t, err)
	second, err := h.Codec.Pseudonym(ctx, "clinic-a", "subject-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := h.Codec.Pseudonym(ctx, "clinic-b", "subject-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}
