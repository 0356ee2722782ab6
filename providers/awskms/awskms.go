// Package awskms implements carevault.KeyManagementService on AWS: KMS wraps
// and unwraps record DEKs, Secrets Manager stores tenant peppers.
package awskms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/carevault/carevault"
)

// kmsClient narrows the AWS KMS surface used here, allowing mocks in tests.
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	RotateKeyOnDemand(ctx context.Context, params *kms.RotateKeyOnDemandInput, optFns ...func(*kms.Options)) (*kms.RotateKeyOnDemandOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type secretsClient interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// KMSService implements carevault.KeyManagementService using AWS KMS and AWS
// Secrets Manager.
type KMSService struct {
	kms     kmsClient
	secrets secretsClient
	region  string
}

// Config holds configuration for the AWS-backed service.
type Config struct {
	// Region is the AWS region. If empty, the AWS_REGION environment
	// variable or the AWS config file applies.
	Region string

	// AWSConfig is an optional pre-configured AWS config. When provided,
	// Region is ignored.
	AWSConfig *aws.Config
}

// New creates an AWS-backed KeyManagementService.
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", carevault.ErrKMSUnavailable, err)
		}
	}

	return &KMSService{
		kms:     kms.NewFromConfig(awsConfig),
		secrets: secretsmanager.NewFromConfig(awsConfig),
		region:  awsConfig.Region,
	}, nil
}

// GetKeyID resolves a KMS alias to the key id it points to. The "alias/"
// prefix is added when absent.
func (k *KMSService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", carevault.ErrInvalidConfiguration)
	}
	if !strings.HasPrefix(alias, "alias/") {
		alias = "alias/" + alias
	}

	result, err := k.kms.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(alias),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %w", carevault.ErrKMSUnavailable, alias, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for alias %s", carevault.ErrKMSUnavailable, alias)
	}
	return *result.KeyMetadata.KeyId, nil
}

// CreateKey creates a symmetric KMS key and returns its id.
func (k *KMSService) CreateKey(ctx context.Context, description string) (string, error) {
	result, err := k.kms.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(description),
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		KeySpec:     kmstypes.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %w", carevault.ErrKMSUnavailable, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", carevault.ErrKMSUnavailable)
	}
	return *result.KeyMetadata.KeyId, nil
}

// RotateKey triggers on-demand rotation of the key material. KMS retains old
// material, so ciphertext wrapped under previous versions stays decryptable.
func (k *KMSService) RotateKey(ctx context.Context, keyID string) error {
	_, err := k.kms.RotateKeyOnDemand(ctx, &kms.RotateKeyOnDemandInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to rotate KMS key %s: %w", carevault.ErrKMSUnavailable, keyID, err)
	}
	return nil
}

// EncryptDEK wraps a record DEK under the given KMS key. The ciphertext blob
// is base64 encoded for storage.
func (k *KMSService) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", carevault.ErrEncryptionFailed)
	}

	result, err := k.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap DEK with KMS key %s: %w", carevault.ErrKMSUnavailable, keyID, err)
	}
	if result.CiphertextBlob == nil {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", carevault.ErrKMSUnavailable)
	}
	return []byte(base64.StdEncoding.EncodeToString(result.CiphertextBlob)), nil
}

// DecryptDEK unwraps a DEK wrapped by EncryptDEK. KMS resolves the wrapping
// key from the ciphertext metadata; the keyID is passed through when set.
func (k *KMSService) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", carevault.ErrDecryptionFailed)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode ciphertext: %w", carevault.ErrDecryptionFailed, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: decoded}
	if keyID != "" {
		input.KeyId = aws.String(keyID)
	}

	result, err := k.kms.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap DEK: %w", carevault.ErrKMSUnavailable, err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", carevault.ErrDecryptionFailed)
	}
	return result.Plaintext, nil
}

// GetSecret fetches a secret value from Secrets Manager. A missing secret
// returns carevault.ErrSecretNotFound so first-use pepper generation can
// proceed.
func (k *KMSService) GetSecret(ctx context.Context, path string) ([]byte, error) {
	result, err := k.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", carevault.ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("%w: failed to read secret %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	if result.SecretString == nil {
		return result.SecretBinary, nil
	}
	value, err := base64.StdEncoding.DecodeString(*result.SecretString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode secret %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	return value, nil
}

// SetSecret creates a secret value if none exists. A secret that already
// exists is left unchanged, so concurrent first-writers converge on whichever
// value landed first and the caller reads the stored value back.
func (k *KMSService) SetSecret(ctx context.Context, path string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)

	_, err := k.secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(path),
		SecretString: aws.String(encoded),
	})
	if err != nil {
		var exists *smtypes.ResourceExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("%w: failed to create secret %s: %w", carevault.ErrKMSUnavailable, path, err)
	}
	return nil
}

// Region returns the AWS region this service is configured for.
func (k *KMSService) Region() string {
	return k.region
}
