// Package archive provides S3-compatible upload of raw-store snapshots.
// When object storage is not configured (empty bucket), the NoopUploader
// is used and archival is skipped, keeping the system in local-only mode.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/spyglasshq/spyglass/internal/config"
)

// ErrNotConfigured indicates archival was requested but the credentials
// are missing. Credentials are env-only, so this usually means a deploy
// forgot to set SPYGLASS_ARCHIVE_ACCESS_KEY / SPYGLASS_ARCHIVE_SECRET_KEY.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader ships snapshot files to durable storage.
type Uploader interface {
	// Upload stores the file at filePath under the given object key.
	Upload(ctx context.Context, key string, filePath string) error
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface; minio methods take concrete option types that differ from
// our simplified interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string, opts interface{}) error {
	putOpts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, putOpts)
	return err
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload stores the file at filePath under key in the configured bucket.
func (u *S3Uploader) Upload(ctx context.Context, key string, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath, nil); err != nil {
		return fmt.Errorf("upload %s to object storage: %w", key, err)
	}
	return nil
}

// NoopUploader is used when object storage is not configured. Upload is
// a no-op.
type NoopUploader struct{}

func (u *NoopUploader) Upload(ctx context.Context, key string, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: bucket %q set without credentials", ErrNotConfigured, cfg.Bucket)
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
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// stripScheme normalizes an endpoint for the object-store client, which
// wants a bare host[:port]. An explicit scheme also decides SSL,
// overriding the use_ssl setting.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
