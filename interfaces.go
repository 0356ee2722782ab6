package carevault

import "context"

// KeyManagementService is the contract for the external key-management
// collaborator. It performs cryptographic operations with per-tenant Key
// Encryption Keys (KEKs) and stores small secrets such as tenant peppers.
//
// Implementations:
//   - HashiCorp Vault Transit: github.com/carevault/carevault/providers/hashicorpvault
//   - AWS KMS: github.com/carevault/carevault/providers/awskms
//   - In-memory (testing): carevault.TestKMS
//
// The subsystem never persists or logs raw key material, only key identifiers
// and versions. Old KEK versions stay available for decryption after
// rotation; records are re-wrapped opportunistically on their next write.
type KeyManagementService interface {
	// GetKeyID resolves a key alias to the provider's key identifier.
	GetKeyID(ctx context.Context, alias string) (string, error)

	// CreateKey creates a new symmetric KEK and returns its identifier.
	// Called once per tenant at bootstrap and once per rotation.
	CreateKey(ctx context.Context, description string) (string, error)

	// RotateKey asks the provider to rotate the named key in place, for
	// providers that version keys internally. Providers that mint a new
	// key per version may implement this as a no-op.
	RotateKey(ctx context.Context, keyID string) error

	// EncryptDEK wraps a record's data encryption key under the KEK
	// identified by keyID.
	EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)

	// DecryptDEK unwraps a data encryption key previously wrapped by
	// EncryptDEK with the same KEK.
	DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)

	// GetSecret retrieves a stored secret value (e.g. a tenant pepper).
	GetSecret(ctx context.Context, path string) ([]byte, error)

	// SetSecret stores a secret value at the given path if none exists.
	// Creation is first-writer-wins: when a value is already present it is
	// left unchanged and SetSecret returns nil, so concurrent bootstraps
	// converge by reading the stored value back.
	SetSecret(ctx context.Context, path string, value []byte) error
}
