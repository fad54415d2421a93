// Package archive uploads encoded bundles to S3-compatible object storage so
// every scan leaves a durable snapshot next to the history table.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/logging"
)

// KeyTimeLayout is the timestamp layout used in object names.
const KeyTimeLayout = "20060102T150405Z"

// ObjectClient is the part of *minio.Client the archive uses.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive stores bundles under <prefix>/<repo-slug>/<branch>/<time>.json.
type Archive struct {
	client ObjectClient
	bucket string
	region string
	prefix string
	logger logging.Logger

	initOnce sync.Once
	initErr  error
}

// New builds an archive backed by a minio client for cfg.
func New(cfg config.ArchiveConfig, logger logging.Logger) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.NewConfigError("archive endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, errors.NewConfigError("archive access key and secret key are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, region, cfg.Prefix, logger), nil
}

// NewWithClient builds an archive over an existing client.
func NewWithClient(client ObjectClient, bucket, region, prefix string, logger logging.Logger) *Archive {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Archive{
		client: client,
		bucket: bucket,
		region: region,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.WithComponent("archive"),
	}
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

// Upload stores one encoded bundle and returns its object key.
func (a *Archive) Upload(ctx context.Context, repo, branch string, content []byte, at time.Time) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", errors.NewIOError(errors.ErrCodeUploadFailed, a.bucket, "ensure bucket", err)
	}

	key := ObjectKey(a.prefix, repo, branch, at)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", errors.NewIOError(errors.ErrCodeUploadFailed, key, "upload bundle", err)
	}

	a.logger.Info(ctx, "Archived bundle", "bucket", a.bucket, "key", key, "bytes", len(content))
	return key, nil
}

// ObjectKey builds the object name for a bundle. An empty branch maps to
// "default".
func ObjectKey(prefix, repo, branch string, at time.Time) string {
	if branch == "" {
		branch = "default"
	}
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, Slug(repo), Slug(branch), at.UTC().Format(KeyTimeLayout)+".json")
	return path.Join(parts...)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug turns a repository URL or path into a single object-name segment.
// Credentials, the scheme and a trailing ".git" are dropped.
func Slug(repo string) string {
	s := strings.TrimSpace(repo)
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Host + u.Path
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	s = unsafeKeyChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "unknown"
	}
	return s
}
