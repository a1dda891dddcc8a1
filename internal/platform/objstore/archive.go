// Package objstore archives run summaries to S3-compatible object storage.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config contains connection settings for the archive bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Archiver writes JSON documents to a bucket.
type Archiver struct {
	cfg    Config
	client *minio.Client
	logger *slog.Logger
}

// NewArchiver creates a MinIO client for cfg.
func NewArchiver(cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Archiver{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "archive", "bucket", cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.cfg.Bucket, err)
	}
	a.logger.Info("bucket created")
	return nil
}

// SummaryKey returns the object key for a run summary,
// e.g. backfill/2026/01/02/<run id>.json.
func SummaryKey(kind, runID string, at time.Time) string {
	at = at.UTC()
	return path.Join(kind, at.Format("2006"), at.Format("01"), at.Format("02"), runID+".json")
}

// PutJSON marshals v and stores it under key.
func (a *Archiver) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	info, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Info("archived", "key", key, "size", info.Size)
	return nil
}

// ArchiveSummary stores a run summary under SummaryKey.
func (a *Archiver) ArchiveSummary(ctx context.Context, kind, runID string, at time.Time, summary any) error {
	return a.PutJSON(ctx, SummaryKey(kind, runID, at), summary)
}
