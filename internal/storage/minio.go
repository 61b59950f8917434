package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioOptions configures the MinIO-backed Backend.
type MinioOptions struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
}

// MinioBackend implements Backend on top of a MinIO/S3 bucket. Object puts
// are atomic, which gives the write/save triad its commit point for free:
// staged bytes only hit the bucket on Save.
type MinioBackend struct {
	client *minio.Client
	logger *zap.Logger
	bucket string
}

// NewMinioBackend connects to MinIO, ensures the configured bucket exists,
// and returns the backend.
func NewMinioBackend(ctx context.Context, opts MinioOptions, logger *zap.Logger) (*MinioBackend, error) {
	logger.Info("Initializing MinIO storage backend",
		zap.String("endpoint", opts.Endpoint),
		zap.String("bucket", opts.Bucket),
		zap.Bool("use_ssl", opts.UseSSL),
	)

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check for bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		logger.Info("Bucket does not exist, creating it", zap.String("bucket", opts.Bucket))
		if err := client.MakeBucket(checkCtx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &MinioBackend{
		client: client,
		logger: logger.Named("minio_storage"),
		bucket: opts.Bucket,
	}, nil
}

func (b *MinioBackend) ReadAll(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (b *MinioBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return true, nil
}

func (b *MinioBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (b *MinioBackend) NewWriteFile(ctx context.Context, key string) (WriteFile, error) {
	return &minioWriteFile{backend: b, key: key}, nil
}

type minioWriteFile struct {
	backend   *MinioBackend
	key       string
	buf       bytes.Buffer
	discarded bool
}

func (wf *minioWriteFile) Write(p []byte) (int, error) {
	return wf.buf.Write(p)
}

func (wf *minioWriteFile) Save(ctx context.Context) error {
	if wf.discarded {
		return fmt.Errorf("write file for %s was discarded", wf.key)
	}
	_, err := wf.backend.client.PutObject(ctx, wf.backend.bucket, wf.key,
		bytes.NewReader(wf.buf.Bytes()), int64(wf.buf.Len()),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", wf.key, err)
	}
	wf.backend.logger.Debug("Object committed",
		zap.String("key", wf.key),
		zap.Int("size", wf.buf.Len()),
	)
	return nil
}

func (wf *minioWriteFile) Discard() {
	wf.discarded = true
	wf.buf.Reset()
}
