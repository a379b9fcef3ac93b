// Package storage publishes approved assets to an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andresmejia3/deepguard/internal/logging"
)

// ErrInvalidKey is returned for a digest or filename that cannot form an object key.
var ErrInvalidKey = errors.New("invalid object key")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Publisher uploads files. It is safe for concurrent use.
type Publisher struct {
	client *minio.Client
	bucket string
	scheme string
}

// New connects to the endpoint and creates the bucket if it does not exist yet.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logging.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &Publisher{client: cli, bucket: cfg.Bucket, scheme: scheme}, nil
}

// Key is the object name for an asset: <sha256>/<base filename>.
func Key(digest, filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if digest == "" || strings.ContainsAny(digest, "/\\") || name == "/" || name == "." {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, digest, filename)
	}
	return digest + "/" + name, nil
}

// Publish uploads localPath under Key(digest, filename) and returns its URL.
func (p *Publisher) Publish(ctx context.Context, localPath, digest, filename string) (string, error) {
	key, err := Key(digest, filename)
	if err != nil {
		return "", err
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	info, err := p.client.FPutObject(ctx, p.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	logging.Debug().Str("bucket", p.bucket).Str("key", key).Int64("size", info.Size).Msg("asset published")
	return p.URL(key), nil
}

// URL is the path-style address of an object.
func (p *Publisher) URL(key string) string {
	return fmt.Sprintf("%s://%s/%s/%s", p.scheme, p.client.EndpointURL().Host, p.bucket, key)
}

// Stat reports the size of a published object.
func (p *Publisher) Stat(ctx context.Context, key string) (int64, error) {
	info, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}
