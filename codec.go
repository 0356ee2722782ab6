package carevault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/carevault/carevault/internal/crypto"
	"github.com/carevault/carevault/internal/reliability"
)

// PepperLength is the required length for tenant peppers in bytes.
const PepperLength = 32

// pepperPathTemplate locates a tenant's pepper in the secret store. The
// placeholder is the tenant id.
const pepperPathTemplate = "secret/data/carevault/%s/pepper"

// Codec encrypts and decrypts record payloads and derives lookup hashes.
// Every record gets a fresh DEK sealed with AES-256-GCM under a unique nonce;
// the DEK is wrapped by the tenant's current KEK version in the external KMS.
// The Codec never holds raw KEK material, only key identifiers.
type Codec struct {
	kms    KeyManagementService
	keyDB  *sql.DB
	logger *zap.Logger
	retry  reliability.Config

	// peppers is a read-mostly cache of per-tenant peppers. Peppers are
	// immutable once created, so the cache never invalidates.
	mu      sync.RWMutex
	peppers map[string][]byte

	// bootstrap serializes first-use pepper and KEK creation so two
	// concurrent encrypts for a new tenant cannot mint divergent material.
	bootstrap sync.Mutex
}

// EncryptedPayload is the result of sealing a submission: everything that is
// allowed to reach storage.
type EncryptedPayload struct {
	Ciphertext []byte
	WrappedDEK []byte
	KEKVersion int
	LookupHash string
}

// NewCodec creates a Codec backed by the given KMS collaborator and key
// metadata database.
func NewCodec(ctx context.Context, kms KeyManagementService, keyDB *sql.DB, logger *zap.Logger) (*Codec, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: key management service is required", ErrInvalidConfiguration)
	}
	if keyDB == nil {
		return nil, fmt.Errorf("%w: key metadata database is required", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := keyDB.ExecContext(ctx, createKEKVersionsTableSQL); err != nil {
		return nil, fmt.Errorf("%w: failed to create kek_versions table: %w", ErrStorageUnavailable, err)
	}
	return &Codec{
		kms:     kms,
		keyDB:   keyDB,
		logger:  logger,
		retry:   reliability.DefaultConfig(),
		peppers: make(map[string][]byte),
	}, nil
}

// Encrypt seals a plaintext answer payload for a tenant and derives its
// lookup hash. The plaintext only ever lives in this call's transient memory.
func (c *Codec) Encrypt(ctx context.Context, tenantID string, plaintext []byte, subjectID string, windowBucket int64) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrEncryptionFailed)
	}

	pepper, err := c.tenantPepper(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	kekVersion, err := c.ensureTenantKEK(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	kmsKeyID, err := c.kmsKeyIDForVersion(ctx, tenantKEKAlias(tenantID), kekVersion)
	if err != nil {
		return nil, err
	}

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	ciphertext, err := crypto.Seal(plaintext, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	var wrappedDEK []byte
	err = reliability.Retry(ctx, c.retry, IsRetryableError, func() error {
		var kmsErr error
		wrappedDEK, kmsErr = c.kms.EncryptDEK(ctx, kmsKeyID, dek)
		return kmsErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK (KEK version %d): %w", ErrKMSUnavailable, kekVersion, err)
	}

	lookupHash, err := crypto.LookupHash(pepper, plaintext, subjectID, windowBucket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	return &EncryptedPayload{
		Ciphertext: ciphertext,
		WrappedDEK: wrappedDEK,
		KEKVersion: kekVersion,
		LookupHash: lookupHash,
	}, nil
}

// Decrypt opens a record's payload using the KEK version it was written
// under. An authentication failure is tamper evidence and surfaces as
// ErrDecryptionFailed; erased records always fail.
func (c *Codec) Decrypt(ctx context.Context, rec *ProtectedRecord) ([]byte, error) {
	if rec.Erased() {
		return nil, fmt.Errorf("%w: record content has been erased", ErrDecryptionFailed)
	}
	kmsKeyID, err := c.kmsKeyIDForVersion(ctx, tenantKEKAlias(rec.TenantID), rec.KEKVersion)
	if err != nil {
		return nil, err
	}

	var dek []byte
	err = reliability.Retry(ctx, c.retry, IsRetryableError, func() error {
		var kmsErr error
		dek, kmsErr = c.kms.DecryptDEK(ctx, kmsKeyID, rec.PayloadDEK)
		return kmsErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK (KEK version %d): %w", ErrKMSUnavailable, rec.KEKVersion, err)
	}

	plaintext, err := crypto.Open(rec.Payload, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Rewrap unwraps a record's DEK under the KEK version it was written with
// and wraps it again under the tenant's current version. Rotation never
// re-encrypts records synchronously; this runs opportunistically when a
// record is next written.
func (c *Codec) Rewrap(ctx context.Context, rec *ProtectedRecord) (wrappedDEK []byte, kekVersion int, err error) {
	alias := tenantKEKAlias(rec.TenantID)
	current, err := c.currentKEKVersion(ctx, alias)
	if err != nil {
		return nil, 0, err
	}
	if current == 0 || current == rec.KEKVersion {
		return rec.PayloadDEK, rec.KEKVersion, nil
	}

	oldKeyID, err := c.kmsKeyIDForVersion(ctx, alias, rec.KEKVersion)
	if err != nil {
		return nil, 0, err
	}
	newKeyID, err := c.kmsKeyIDForVersion(ctx, alias, current)
	if err != nil {
		return nil, 0, err
	}

	var dek []byte
	err = reliability.Retry(ctx, c.retry, IsRetryableError, func() error {
		var kmsErr error
		dek, kmsErr = c.kms.DecryptDEK(ctx, oldKeyID, rec.PayloadDEK)
		return kmsErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to unwrap DEK for re-key: %w", ErrKMSUnavailable, err)
	}
	err = reliability.Retry(ctx, c.retry, IsRetryableError, func() error {
		var kmsErr error
		wrappedDEK, kmsErr = c.kms.EncryptDEK(ctx, newKeyID, dek)
		return kmsErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to re-wrap DEK: %w", ErrKMSUnavailable, err)
	}
	return wrappedDEK, current, nil
}

// Pseudonym derives the stable export-specific identifier for a subject.
func (c *Codec) Pseudonym(ctx context.Context, tenantID, subjectID string) (string, error) {
	pepper, err := c.tenantPepper(ctx, tenantID)
	if err != nil {
		return "", err
	}
	pseudonym, err := crypto.Pseudonym(pepper, subjectID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	return pseudonym, nil
}

// tenantPepper returns the tenant's pepper, generating and storing one on
// first use. Peppers are shared read-only across concurrent operations;
// creation is serialized and the stored value is read back after the write,
// so every caller converges on a single pepper no matter who created it.
func (c *Codec) tenantPepper(ctx context.Context, tenantID string) ([]byte, error) {
	c.mu.RLock()
	pepper, ok := c.peppers[tenantID]
	c.mu.RUnlock()
	if ok {
		return pepper, nil
	}

	c.bootstrap.Lock()
	defer c.bootstrap.Unlock()
	c.mu.RLock()
	pepper, ok = c.peppers[tenantID]
	c.mu.RUnlock()
	if ok {
		return pepper, nil
	}

	path := fmt.Sprintf(pepperPathTemplate, tenantID)
	fetched, err := c.fetchPepper(ctx, path)
	switch {
	case errors.Is(err, ErrSecretNotFound):
		// First use for this tenant: generate a pepper and persist it
		// before any hash depends on it. A transient KMS failure must
		// NOT fall through here, or dedup and pseudonyms would fork.
		generated := make([]byte, PepperLength)
		if _, randErr := io.ReadFull(rand.Reader, generated); randErr != nil {
			return nil, fmt.Errorf("%w: failed to generate pepper: %w", ErrEncryptionFailed, randErr)
		}
		if setErr := c.kms.SetSecret(ctx, path, generated); setErr != nil {
			return nil, fmt.Errorf("%w: failed to store pepper for tenant: %w", ErrKMSUnavailable, setErr)
		}
		// SetSecret is create-if-absent, so a concurrent bootstrap in
		// another process may have won. Read back and adopt whatever
		// the secret store actually holds.
		if fetched, err = c.fetchPepper(ctx, path); err != nil {
			return nil, fmt.Errorf("%w: failed to read back tenant pepper: %w", ErrKMSUnavailable, err)
		}
		c.logger.Info("tenant pepper created", zap.String("tenant_id", tenantID))
	case err != nil:
		return nil, fmt.Errorf("%w: failed to fetch tenant pepper: %w", ErrKMSUnavailable, err)
	}
	if len(fetched) != PepperLength {
		return nil, fmt.Errorf("%w: invalid pepper length: expected %d, got %d", ErrInvalidConfiguration, PepperLength, len(fetched))
	}

	c.mu.Lock()
	c.peppers[tenantID] = fetched
	c.mu.Unlock()
	return fetched, nil
}

func (c *Codec) fetchPepper(ctx context.Context, path string) ([]byte, error) {
	var fetched []byte
	err := reliability.Retry(ctx, c.retry, IsRetryableError, func() error {
		var kmsErr error
		fetched, kmsErr = c.kms.GetSecret(ctx, path)
		return kmsErr
	})
	return fetched, err
}
