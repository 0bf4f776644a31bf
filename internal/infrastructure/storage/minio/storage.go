package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

type Options struct {
	Endpoint           string
	AccessKey          string
	SecretKey          string
	Bucket             string
	UseSSL             bool
	PartSize           uint64
	ResilienceExecutor *resilience.Executor
}

// Storage is an S3-compatible object store. PutObject only publishes the object once
// the upload completes, so partial merges are never visible.
type Storage struct {
	client   *minio.Client
	bucket   string
	partSize uint64
	executor *resilience.Executor
}

func New(ctx context.Context, opts Options) (*Storage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	partSize := opts.PartSize
	if partSize == 0 {
		partSize = 16 << 20
	}
	s := &Storage{
		client:   client,
		bucket:   opts.Bucket,
		partSize: partSize,
		executor: opts.ResilienceExecutor,
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		resp := errorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *Storage) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	return wrapTemporaryIfNeeded(operation, s.executor.Execute(ctx, operation, fn, classifyMinioError))
}

// Put streams data without a known length; it is not retried because the reader is consumed.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		PartSize:    s.partSize,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return wrapTemporaryIfNeeded("minio.put", fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var obj *minio.Object
	err := s.execute(ctx, "minio.get", func(ctx context.Context) error {
		o, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
		if _, err := o.Stat(); err != nil {
			_ = o.Close()
			return err
		}
		obj = o
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.WrapError(domain.ErrObjectNotFound, "get object", fmt.Errorf("key %s", key))
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	err := s.execute(ctx, "minio.delete", func(ctx context.Context) error {
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *Storage) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.execute(ctx, "minio.list", func(ctx context.Context) error {
		keys = keys[:0]
		for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if info.Err != nil {
				return info.Err
			}
			keys = append(keys, info.Key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Storage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}

// EnsureArea is a no-op beyond the bucket check: S3 prefixes are virtual.
func (s *Storage) EnsureArea(ctx context.Context, _ string) error {
	return s.execute(ctx, "minio.bucket", s.ensureBucket)
}

func errorResponse(err error) minio.ErrorResponse {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp
	}
	return minio.ErrorResponse{}
}

func isNotFound(err error) bool {
	resp := errorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func classifyMinioError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyTransport(err); ok {
		return class
	}
	resp := errorResponse(err)
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case resp.StatusCode >= 400:
		// client errors (missing key, bad request) are not a backend health signal
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyMinioError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
