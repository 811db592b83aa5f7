// Package snapshot implements periodic wallet/account snapshot capture,
// WS/REST wallet-drift detection, and archival-then-prune of snapshot rows
// older than a retention window (§4.9, §4.10).
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiverConfig configures the S3-compatible destination for archived
// snapshot rows.
type ArchiverConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // optional: non-AWS S3-compatible endpoint
}

// Archiver uploads serialized snapshot payloads to S3 before the caller
// prunes the corresponding local rows.
type Archiver struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// NewArchiver builds an Archiver from static credentials. Returns
// (nil, nil) when no bucket is configured, so callers can treat archival
// as optional without special-casing every call site.
func NewArchiver(ctx context.Context, cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("snapshot: archiver region is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		s3:     s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads a serialized snapshot payload under prefix/key.
func (a *Archiver) Put(ctx context.Context, key string, data []byte) error {
	path := key
	if a.prefix != "" {
		path = a.prefix + "/" + key
	}
	uploader := manager.NewUploader(a.s3)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-protobuf"),
	})
	if err != nil {
		return fmt.Errorf("snapshot: upload %s: %w", path, err)
	}
	return nil
}

func normaliseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}
