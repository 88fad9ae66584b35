// Package s3archive uploads ledger snapshots to S3 or an S3-compatible store.
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"alertTrader/internal/ports"
)

// Config holds the object store settings.
type Config struct {
	Bucket    string
	Region    string
	Prefix    string // Key prefix, e.g. "ledger/"
	Endpoint  string // Empty for AWS; set for MinIO, R2 and similar
	AccessKey string // Empty uses the default credential chain
	SecretKey string
	Logger    ports.Logger
}

// Uploader is the part of manager.Uploader the archiver uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver implements ports.Archiver.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   ports.Logger
}

// New loads the AWS configuration and builds an uploader.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for S3 archiver")
	}
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3archive: %w: bucket and region are required", ports.ErrConfigurationError)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	cfg.Logger.Info(ctx, "S3 ledger archive configured", map[string]interface{}{
		"bucket": cfg.Bucket,
		"prefix": cfg.Prefix,
	})
	return NewWithUploader(manager.NewUploader(client), cfg), nil
}

// NewWithUploader wraps an existing uploader.
func NewWithUploader(u Uploader, cfg Config) *Archiver {
	return &Archiver{uploader: u, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: cfg.Logger}
}

// Archive uploads data under <prefix><name>.
func (a *Archiver) Archive(ctx context.Context, name string, data []byte) error {
	key := a.Key(name)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3archive: upload %s: %w: %w", key, ports.ErrConnectionFailed, err)
	}
	a.logger.Info(ctx, "Ledger archived", map[string]interface{}{"bucket": a.bucket, "key": key, "bytes": len(data)})
	return nil
}

// Key returns the object key used for name.
func (a *Archiver) Key(name string) string {
	if a.prefix == "" {
		return name
	}
	return path.Join(strings.TrimSuffix(a.prefix, "/"), name)
}

func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

var _ ports.Archiver = (*Archiver)(nil)
