package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig GCS 桶配置。
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	// CredentialsFile 为空时走 Application Default Credentials。
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// Endpoint 非空时覆盖服务地址，用于 fake-gcs-server 等模拟器。
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultGCSConfig 返回默认配置。
func DefaultGCSConfig() GCSConfig {
	return GCSConfig{Timeout: 2 * time.Minute}
}

// GCSBucket 基于 Google Cloud Storage 的 Bucket 实现。
type GCSBucket struct {
	client  *storage.Client
	bucket  string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Bucket = (*GCSBucket)(nil)

// NewGCSBucket 建立存储客户端。
func NewGCSBucket(ctx context.Context, cfg GCSConfig, logger *zap.Logger) (*GCSBucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objstore: gcs bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.ClientOption
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GCSBucket{
		client:  client,
		bucket:  cfg.Bucket,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "gcs_bucket"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// URI 返回对象键对应的 gs:// 地址，批处理提交使用该形式。
func (b *GCSBucket) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, key)
}

func (b *GCSBucket) Upload(ctx context.Context, key string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// readCloserWithCancel 把超时 context 的取消挂到 Close 上，
// 提前取消会让调用方读到 0 字节。
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

func (b *GCSBucket) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, b.timeout)
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open reader for %s: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (b *GCSBucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	err := b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (b *GCSBucket) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *GCSBucket) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	b.logger.Debug("deleted prefix", zap.String("prefix", prefix), zap.Int("objects", len(keys)))
	return nil
}

// Close 关闭底层客户端。
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
