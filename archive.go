package nodesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures S3 archival of session audit records.
type ArchiveConfig struct {
	// Enabled turns archival on.
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Region  string `json:"region" yaml:"region"`
	// Endpoint for S3-compatible services (MinIO, etc.)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// AccessKeyID for authentication. Prefer IAM roles or environment
	// variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead of
	// setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	// Prefix is prepended to all object keys.
	Prefix       string `json:"prefix" yaml:"prefix"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`

	// MaxRetries for upload attempts. Default: 3
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// objectPutter is the slice of the S3 client the archiver needs; tests
// inject a fake.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AuditArchiver uploads terminal session records and snapshot metadata to
// S3-compatible storage. Archival is strictly best-effort: failures are
// logged and never affect session outcomes.
type AuditArchiver struct {
	client  objectPutter
	config  ArchiveConfig
	retryer *Retryer
}

// NewAuditArchiver builds an archiver from config. Returns nil when
// archival is disabled; a nil archiver's methods are no-ops.
func NewAuditArchiver(cfg ArchiveConfig) (*AuditArchiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return newAuditArchiver(cfg, s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

func newAuditArchiver(cfg ArchiveConfig, client objectPutter) *AuditArchiver {
	return &AuditArchiver{
		client: client,
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}
}

// ArchiveSession uploads one terminal session record.
func (a *AuditArchiver) ArchiveSession(ctx context.Context, sess *InitialLoadSession) {
	if a == nil {
		return
	}
	key := fmt.Sprintf("sessions/%s/%s.json",
		sess.StartedAt.UTC().Format("2006/01/02"), sess.SessionID)
	a.put(ctx, key, sess)
}

// ArchiveSnapshot uploads snapshot audit metadata.
func (a *AuditArchiver) ArchiveSnapshot(ctx context.Context, snap *DataSnapshot) {
	if a == nil {
		return
	}
	key := fmt.Sprintf("snapshots/%s/%s.json",
		snap.CreatedAt.UTC().Format("2006/01/02"), snap.SnapshotID)
	a.put(ctx, key, snap)
}

func (a *AuditArchiver) put(ctx context.Context, key string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Warn("archive marshal failed", "key", key, "err", err)
		return
	}
	fullKey := a.config.Prefix + key

	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.config.Bucket),
			Key:         aws.String(fullKey),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if result.LastErr != nil {
		slog.Warn("audit archive upload failed",
			"key", fullKey, "attempts", result.Attempts, "err", result.LastErr)
		return
	}
	slog.Debug("audit record archived", "key", fullKey, "bytes", len(data))
}
