package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// DEKLength is the data encryption key size (AES-256).
	DEKLength = 32

	// envelopeVersion is the leading byte of every sealed payload. The
	// Access Guard's cheap format check and the hard-delete placeholder
	// both rely on it.
	envelopeVersion = 0x01

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// GenerateDEK returns a fresh random data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKLength)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// Seal encrypts plaintext with AES-256-GCM under dek. The nonce is generated
// fresh for every call; it is never derived from record state, so two seals
// of identical plaintext never correlate.
//
// Envelope layout: version byte || nonce || ciphertext+tag.
func Seal(plaintext, dek []byte) ([]byte, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	envelope := make([]byte, 1, 1+len(nonce)+len(plaintext)+gcmTagSize)
	envelope[0] = envelopeVersion
	envelope = append(envelope, nonce...)
	return aesGCM.Seal(envelope, nonce, plaintext, nil), nil
}

// Open decrypts an envelope produced by Seal. An authentication tag mismatch
// is tamper evidence and surfaces as an error, never as defaulted content.
func Open(envelope, dek []byte) ([]byte, error) {
	if !IsEnvelope(envelope) {
		return nil, fmt.Errorf("invalid envelope format")
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := envelope[1 : 1+gcmNonceSize]
	plaintext, err := aesGCM.Open(nil, nonce, envelope[1+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// IsEnvelope is the cheap structural check used before any write reaches
// storage: correct version byte and at least nonce plus tag present.
func IsEnvelope(data []byte) bool {
	return len(data) >= 1+gcmNonceSize+gcmTagSize && data[0] == envelopeVersion
}
