// Package hashicorpvault implements carevault.KeyManagementService with
// HashiCorp Vault: the Transit engine wraps and unwraps record DEKs, the KV
// v2 engine stores tenant peppers.
package hashicorpvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/vault/api"

	"github.com/carevault/carevault"
)

// VaultService implements carevault.KeyManagementService for HashiCorp Vault.
type VaultService struct {
	client *api.Client
}

// New creates a VaultService from the standard Vault environment variables
// (VAULT_ADDR, VAULT_NAMESPACE, VAULT_TOKEN or VAULT_ROLE_ID/VAULT_SECRET_ID).
func New() (*VaultService, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	if config.Address == "" {
		return nil, fmt.Errorf("%w: VAULT_ADDR environment variable is required", carevault.ErrInvalidConfiguration)
	}
	config.HttpClient.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", carevault.ErrKMSUnavailable, err)
	}

	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		client.SetNamespace(namespace)
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID != "" && secretID != "" {
		resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   roleID,
			"secret_id": secretID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to login with AppRole: %w", carevault.ErrKMSUnavailable, err)
		}
		if resp.Auth == nil {
			return nil, fmt.Errorf("%w: no auth info returned from AppRole login", carevault.ErrKMSUnavailable)
		}
		client.SetToken(resp.Auth.ClientToken)
	}

	return &VaultService{client: client}, nil
}

// GetKeyID resolves an alias. For the Transit engine the alias is the key
// name.
func (v *VaultService) GetKeyID(ctx context.Context, alias string) (string, error) {
	return alias, nil
}

// CreateKey creates a Transit key named after the description.
func (v *VaultService) CreateKey(ctx context.Context, description string) (string, error) {
	_, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/keys/%s", description), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key '%s': %w", carevault.ErrKMSUnavailable, description, err)
	}
	return description, nil
}

// RotateKey rotates a Transit key in place. Old key versions remain usable
// for decryption.
func (v *VaultService) RotateKey(ctx context.Context, keyID string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/keys/%s/rotate", keyID), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to rotate key '%s': %w", carevault.ErrKMSUnavailable, keyID, err)
	}
	return nil
}

func (v *VaultService) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/encrypt/%s", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encrypt with key '%s': %w", carevault.ErrKMSUnavailable, keyID, err)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in response", carevault.ErrKMSUnavailable)
	}
	return []byte(ciphertext), nil
}

func (v *VaultService) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("transit/decrypt/%s", keyID), map[string]any{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt with key '%s': %w", carevault.ErrKMSUnavailable, keyID, err)
	}
	plaintextBase64, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", carevault.ErrDecryptionFailed)
	}
	plaintext, err := base64.StdEncoding.DecodeString(plaintextBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", carevault.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GetSecret reads a value from the KV v2 engine. A missing secret returns
// carevault.ErrSecretNotFound so the caller can distinguish first use from an
// outage.
func (v *VaultService) GetSecret(ctx context.Context, path string) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read secret at %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", carevault.ErrSecretNotFound, path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid secret format at %s", carevault.ErrKMSUnavailable, path)
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s", carevault.ErrSecretNotFound, path)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode secret at %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	return value, nil
}

// SetSecret writes a value to the KV v2 engine with check-and-set version 0,
// so only the first writer creates the secret. When the write is rejected
// because a value already exists, that value wins and SetSecret returns nil.
func (v *VaultService) SetSecret(ctx context.Context, path string, value []byte) error {
	_, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
		"options": map[string]interface{}{
			"cas": 0,
		},
	})
	if err != nil {
		if existing, readErr := v.client.Logical().ReadWithContext(ctx, path); readErr == nil && existing != nil && existing.Data != nil {
			return nil
		}
		return fmt.Errorf("%w: failed to write secret at %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	return nil
}
