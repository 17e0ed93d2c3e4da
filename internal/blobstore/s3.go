package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const errorCodeNoSuchKey = "NoSuchKey"

// S3Config describes an S3-compatible object store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Logger    *zap.Logger
}

// S3 stores blobs as objects in a single bucket.
type S3 struct {
	client *minio.Client
	bucket string
	region string
	logger *zap.Logger
}

// NewS3 creates a MinIO client for the configured endpoint.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: init minio: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blobstore: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("blobstore: make bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("object bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Promote uploads the temp file as one object and removes the temp file.
// The object becomes visible only once the upload completes.
func (s *S3) Promote(ctx context.Context, tempPath string, storedName string) error {
	if err := ValidateName(storedName); err != nil {
		return err
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, storedName, tempPath, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: put object %s: %w", storedName, err)
	}
	if err := os.Remove(tempPath); err != nil {
		s.logger.Warn("temp artifact removal failed after promote",
			zap.String("temp_path", tempPath),
			zap.Error(err))
	}
	return nil
}

// Open streams the object and reports its size.
func (s *S3) Open(ctx context.Context, storedName string) (io.ReadCloser, int64, error) {
	if err := ValidateName(storedName); err != nil {
		return nil, 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, storedName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == errorCodeNoSuchKey {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("blobstore: stat object %s: %w", storedName, err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, storedName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("blobstore: get object %s: %w", storedName, err)
	}
	return object, info.Size, nil
}

// Remove deletes the object.
func (s *S3) Remove(ctx context.Context, storedName string) error {
	if err := ValidateName(storedName); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, storedName, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == errorCodeNoSuchKey {
			return ErrBlobNotFound
		}
		return fmt.Errorf("blobstore: remove object %s: %w", storedName, err)
	}
	return nil
}
