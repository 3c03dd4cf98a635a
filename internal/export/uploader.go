// Package export ships finalized run history to S3-compatible storage as
// JSON-lines objects. When no bucket is configured the NoopUploader is used
// and history stays local.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/syncd/internal/config"
	"github.com/hyperengineering/syncd/internal/types"
)

// ErrNotConfigured is returned when export storage is not configured.
var ErrNotConfigured = errors.New("history export not configured")

// Uploader writes history batches to object storage.
type Uploader interface {
	// UploadHistory writes entries as one JSON-lines object and returns its key.
	UploadHistory(ctx context.Context, entries []types.HistoryEntry, at time.Time) (string, error)

	// Enabled reports whether uploads go anywhere.
	Enabled() bool
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error
}

// minioClientWrapper adapts *minio.Client to s3Client.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// S3Uploader uploads history to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// UploadHistory encodes entries and uploads them under
// <prefix>/<yyyy>/<mm>/<dd>/<unixnano>.jsonl.
func (u *S3Uploader) UploadHistory(ctx context.Context, entries []types.HistoryEntry, at time.Time) (string, error) {
	body, err := EncodeJSONL(entries)
	if err != nil {
		return "", err
	}
	key := objectKey(u.prefix, at)
	if err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(body), int64(len(body)), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("upload history to S3: %w", err)
	}
	return key, nil
}

// Enabled is always true for a configured uploader.
func (u *S3Uploader) Enabled() bool { return true }

// NoopUploader is used when export storage is not configured.
type NoopUploader struct{}

// UploadHistory returns ErrNotConfigured.
func (u *NoopUploader) UploadHistory(ctx context.Context, entries []types.HistoryEntry, at time.Time) (string, error) {
	return "", ErrNotConfigured
}

// Enabled reports false.
func (u *NoopUploader) Enabled() bool { return false }

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.ExportConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio expects as host[:port], and lets the scheme decide ssl.
func stripScheme(endpoint string, ssl *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*ssl = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*ssl = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// objectKey returns the object key for a batch exported at the given time.
func objectKey(prefix string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%04d/%02d/%02d/%d.jsonl", at.Year(), at.Month(), at.Day(), at.UnixNano())
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// EncodeJSONL renders entries one JSON document per line.
func EncodeJSONL(entries []types.HistoryEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode history entry %s: %w", entries[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
