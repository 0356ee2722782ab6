package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for the deterministic lookup hash. The salt comes from
// the tenant pepper, so the parameters stay fixed; changing them would break
// dedup across deployments.
const (
	lookupHashTime    = 1
	lookupHashMemory  = 64 * 1024
	lookupHashThreads = 4
	lookupHashLength  = 32

	saltLength      = 16
	pseudonymLength = 16
)

// deriveKey expands the tenant pepper into a purpose-bound key via HKDF so
// the same pepper can seed the lookup salt and export pseudonyms without the
// two domains colliding.
func deriveKey(pepper []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, pepper, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key for %q: %w", info, err)
	}
	return out, nil
}

// LookupHash computes the deterministic one-way digest of
// (payload, subject, submission window) used for duplicate detection. The
// Argon2id salt is derived from the per-tenant pepper, so identical answers
// under different tenants never collide and the digest cannot be inverted.
func LookupHash(pepper, payload []byte, subjectID string, windowBucket int64) (string, error) {
	salt, err := deriveKey(pepper, "carevault/lookup-hash", saltLength)
	if err != nil {
		return "", err
	}

	msg := make([]byte, 0, len(payload)+len(subjectID)+10)
	msg = append(msg, payload...)
	msg = append(msg, 0x00)
	msg = append(msg, subjectID...)
	msg = append(msg, 0x00)
	msg = binary.BigEndian.AppendUint64(msg, uint64(windowBucket))

	digest := argon2.IDKey(msg, salt, lookupHashTime, lookupHashMemory, lookupHashThreads, lookupHashLength)
	return hex.EncodeToString(digest), nil
}

// Pseudonym derives the export-specific identifier for a subject. It is
// stable per (tenant, subject) so repeated exports line up, but carries no
// recoverable link back to the subject id.
func Pseudonym(pepper []byte, subjectID string) (string, error) {
	id, err := deriveKey(pepper, "carevault/export-pseudonym/"+subjectID, pseudonymLength)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}
