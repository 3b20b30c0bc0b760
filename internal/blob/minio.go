package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipforge/clipforge/internal/config"
)

// MinioStore wraps MinIO/S3 interactions for chunk and video objects.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	region    string
	signedTTL time.Duration
}

// NewMinio creates a MinIO client from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{
		client:    client,
		bucket:    cfg.VideoBucket,
		region:    cfg.S3Region,
		signedTTL: cfg.SignedURLTTL,
	}, nil
}

// EnsureBucket makes sure the video bucket exists before use.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put stores one object, classifying failures for the retry layer.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts)
	if err != nil {
		return classify(fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

// Compose performs a genuine server-side multipart composition: S3-compatible
// stores stitch the parts together without the bytes round-tripping through
// this process.
func (s *MinioStore) Compose(ctx context.Context, destKey string, partKeys []string) error {
	srcs := make([]minio.CopySrcOptions, len(partKeys))
	for i, part := range partKeys {
		srcs[i] = minio.CopySrcOptions{Bucket: s.bucket, Object: part}
	}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: destKey}
	if _, err := s.client.ComposeObject(ctx, dst, srcs...); err != nil {
		return classify(fmt.Errorf("compose %s from %d parts: %w", destKey, len(partKeys), err))
	}
	return nil
}

// Remove deletes objects; missing keys are ignored.
func (s *MinioStore) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code == "NoSuchKey" {
				continue
			}
			return fmt.Errorf("remove object %s: %w", key, err)
		}
	}
	return nil
}

// PublicURL returns a presigned GET URL for the object.
func (s *MinioStore) PublicURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.signedTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}

// classify separates retryable failures from fatal ones. Context
// cancellation is always fatal so a canceled session stops immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= 500 || resp.StatusCode == 429 || resp.StatusCode == 408 {
		return Transient(err)
	}
	if resp.StatusCode >= 400 {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	// No HTTP status at all means the request never completed; treat it as
	// transport trouble.
	if resp.Code == "" {
		return Transient(err)
	}
	return err
}
