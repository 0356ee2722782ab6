// Package s3 implements carevault.ExportSink on an S3 bucket, archiving
// portable documents for hand-off to data subjects.
package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/carevault/carevault"
)

// uploader narrows the S3 surface used here, allowing mocks in tests.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink stores portable documents in an S3 bucket. Objects are written under
// the name chosen by the exporter; documents contain pseudonyms, never direct
// subject identifiers.
type Sink struct {
	client uploader
	bucket string
}

// Config holds configuration for the S3 sink.
type Config struct {
	// Bucket is the destination bucket name. Required.
	Bucket string

	// Region is the AWS region. If empty, the AWS_REGION environment
	// variable or the AWS config file applies.
	Region string

	// AWSConfig is an optional pre-configured AWS config. When provided,
	// Region is ignored.
	AWSConfig *aws.Config
}

// New creates an S3-backed export sink.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: export bucket is required", carevault.ErrInvalidConfiguration)
	}

	var awsConfig aws.Config
	var err error
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", carevault.ErrStorageUnavailable, err)
		}
	}

	return &Sink{
		client: s3.NewFromConfig(awsConfig),
		bucket: cfg.Bucket,
	}, nil
}

// Store uploads one serialized portable document.
func (s *Sink) Store(ctx context.Context, name string, doc []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upload export %s: %w", carevault.ErrStorageUnavailable, name, err)
	}
	return nil
}
