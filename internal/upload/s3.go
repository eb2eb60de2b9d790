package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// ObjectPutter is the subset of *minio.Client used by S3Uploader.
type ObjectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Uploader stores evidence in an S3-compatible bucket under
// <prefix>/<yyyy>/<mm>/<dd>/<name>.
type S3Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Uploader connects to cfg.Endpoint with static credentials.
func NewS3Uploader(cfg config.S3Config) (*S3Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 upload needs endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	logger.Info("Uploader", "S3 target %s/%s (secure=%v)", cfg.Endpoint, cfg.Bucket, cfg.Secure)
	return NewS3UploaderWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(client ObjectPutter, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// ObjectKey returns the key used for a file named name.
func (u *S3Uploader) ObjectKey(name string) string {
	return path.Join(u.prefix, u.now().Format("2006/01/02"), name)
}

// UploadFile puts the file at path.
func (u *S3Uploader) UploadFile(ctx context.Context, p string) bool {
	key := u.ObjectKey(filepath.Base(p))
	info, err := u.client.FPutObject(ctx, u.bucket, key, p, minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		logger.Error("Uploader", "S3 put %s failed: %v", key, err)
		return false
	}
	logger.Debug("Uploader", "S3 put %s (%d bytes, etag %s)", key, info.Size, info.ETag)
	return true
}

// UploadBytes puts data under a generated name.
func (u *S3Uploader) UploadBytes(ctx context.Context, data []byte) bool {
	key := u.ObjectKey(uuid.NewString() + ".jpg")
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		logger.Error("Uploader", "S3 put %s failed: %v", key, err)
		return false
	}
	return true
}
