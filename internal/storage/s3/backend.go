// Package s3 implements the storage backend and byte-transport opener
// over Amazon S3 (or any S3-compatible endpoint such as MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	cferrors "github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// Config represents S3 backend configuration.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Backend implements the object store interface over one S3 bucket with
// an optional key prefix.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	config *Config

	mu      sync.RWMutex
	metrics BackendMetrics
}

// BackendMetrics counts backend activity.
type BackendMetrics struct {
	Requests        int64
	Errors          int64
	BytesUploaded   int64
	BytesDownloaded int64
	LastError       string
	LastErrorTime   time.Time
}

// NewBackend creates an S3 backend for the given bucket and key prefix.
func NewBackend(ctx context.Context, bucket, prefix string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, cferrors.New(cferrors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = &Config{Region: "us-east-1"}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.ErrCodeInvalidConfig, "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		config: cfg,
	}, nil
}

func (b *Backend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// GetObject retrieves a whole object.
func (b *Backend) GetObject(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer b.recordRequest(start)

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(err)
		return nil, cferrors.Wrap(cferrors.ErrCodeStoreRead, "failed to read object body", err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()
	return data, nil
}

// PutObject stores a whole object. S3 object creation is atomic, so a
// failed upload never leaves a partial object visible.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer b.recordRequest(start)

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(key)),
	})
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "PutObject", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += int64(len(data))
	b.mu.Unlock()
	return nil
}

// DeleteObject removes an object. Deleting a missing object is not an
// error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	defer b.recordRequest(start)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		b.recordError(err)
		return b.translateError(err, "DeleteObject", key)
	}
	return nil
}

// HeadObject retrieves metadata about an object.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	defer b.recordRequest(start)

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "HeadObject", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
	}, nil
}

// ListObjects lists objects below a prefix. Listing pages through the
// bucket: one ListObjectsV2 response caps at 1000 keys and callers
// enumerate whole stores through this method.
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	start := time.Now()
	defer b.recordRequest(start)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.recordError(err)
			return nil, b.translateError(err, "ListObjects", prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}
			objects = append(objects, types.ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
			if limit > 0 && len(objects) >= limit {
				return objects, nil
			}
		}
	}
	return objects, nil
}

// Open streams a source object for reading, implementing the
// byte-transport collaborator. The source may be a bare key or an
// "s3://bucket/key" URL naming this backend's bucket.
func (b *Backend) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	key := source
	if strings.HasPrefix(source, "s3://") {
		trimmed := strings.TrimPrefix(source, "s3://")
		i := strings.IndexByte(trimmed, '/')
		if i < 0 {
			return nil, cferrors.Newf(cferrors.ErrCodeFetchFailed, "malformed s3 source: %s", source).
				WithRetryable(false)
		}
		key = trimmed[i+1:]
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "Open", source)
	}
	return result.Body, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return b.translateError(err, "HealthCheck", b.bucket)
	}
	return nil
}

// Metrics returns a snapshot of backend activity counters.
func (b *Backend) Metrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func (b *Backend) recordRequest(start time.Time) {
	b.mu.Lock()
	b.metrics.Requests++
	b.mu.Unlock()
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	b.metrics.Errors++
	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
	b.mu.Unlock()
}

// translateError maps AWS SDK errors onto the recipe error system so the
// retry layer can distinguish missing objects from transient failures.
func (b *Backend) translateError(err error, operation, key string) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return cferrors.Newf(cferrors.ErrCodeObjectNotFound, "object not found: %s", key).
			WithComponent("s3").WithOperation(operation)
	}

	code := cferrors.ErrCodeStoreRead
	switch operation {
	case "PutObject", "DeleteObject":
		code = cferrors.ErrCodeStoreWrite
	case "Open":
		code = cferrors.ErrCodeFetchFailed
	}
	return cferrors.Wrap(code, operation+" failed for "+key, err).
		WithComponent("s3").WithOperation(operation)
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json") || strings.HasSuffix(key, ".zarray") ||
		strings.HasSuffix(key, ".zattrs") || strings.HasSuffix(key, ".zgroup") ||
		strings.HasSuffix(key, ".zmetadata"):
		return "application/json"
	case strings.HasSuffix(key, ".nc"):
		return "application/x-netcdf"
	default:
		return "application/octet-stream"
	}
}
