package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/models"
)

// MinioSource enumerates objects in a MinIO (or other S3-compatible) bucket.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioSource connects to cfg.Endpoint with static credentials.
func NewMinioSource(cfg *config.SourceConfig) (*MinioSource, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("source.endpoint and source.bucket are required for minio sources")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewMinioSourceWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioSourceWithClient wraps an existing client.
func NewMinioSourceWithClient(client *minio.Client, bucket, prefix string) *MinioSource {
	return &MinioSource{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name returns the bucket URL.
func (m *MinioSource) Name() string {
	return "minio:" + path.Join(m.bucket, m.prefix)
}

func (m *MinioSource) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

// List enumerates the bucket under the prefix.
func (m *MinioSource) List(ctx context.Context) ([]Object, error) {
	opts := minio.ListObjectsOptions{Recursive: true}
	if m.prefix != "" {
		opts.Prefix = m.prefix + "/"
	}
	var out []Object
	for obj := range m.client.ListObjects(ctx, m.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", m.bucket, obj.Err)
		}
		name := strings.TrimPrefix(strings.TrimPrefix(obj.Key, m.prefix), "/")
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		out = append(out, Object{Key: name, Size: obj.Size, ModTime: obj.LastModified})
	}
	sortObjects(out)
	return out, nil
}

// Open streams an object.
func (m *MinioSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translate(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, m.translate(key, err)
	}
	return obj, nil
}

func (m *MinioSource) translate(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	return fmt.Errorf("get %s: %w", key, err)
}
