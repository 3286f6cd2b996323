package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of an S3 client the backend needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Backend stores tarballs in a bucket and addresses them as <publicURL>/<key>.
type S3Backend struct {
	store     ObjectStore
	bucket    string
	publicURL string
}

// NewS3Backend returns a backend writing to bucket through store. publicURL is the URI prefix for
// objects in the bucket, e.g. https://<bucket>.s3.amazonaws.com:443.
func NewS3Backend(store ObjectStore, bucket, publicURL string) *S3Backend {
	return &S3Backend{store: store, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/") + "/"}
}

// UploadExportTarball uploads tarballPath under exports/<org>/<random>/<file>.
func (b *S3Backend) UploadExportTarball(ctx context.Context, orgID, tarballPath string) (string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", fmt.Errorf("open tarball: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat tarball: %w", err)
	}
	key := exportPathID(orgID, tarballPath)
	if err := b.store.PutObject(ctx, b.bucket, key, f, st.Size(), TarballContentType); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return b.publicURL + key, nil
}

// Owns reports whether uri starts with the bucket's public URL.
func (b *S3Backend) Owns(uri string) bool {
	return strings.HasPrefix(uri, b.publicURL)
}

// Open strips the public URL prefix to recover the key and fetches the object.
func (b *S3Backend) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !b.Owns(uri) {
		return nil, ErrNotFound
	}
	key := strings.TrimPrefix(uri, b.publicURL)
	if key == "" {
		return nil, ErrNotFound
	}
	return b.store.GetObject(ctx, b.bucket, key)
}

// MinioStore implements ObjectStore with minio-go.
type MinioStore struct {
	client *minio.Client
}

// MinioOptions configures NewMinioStore. Empty keys fall back to AWS_* environment credentials.
type MinioOptions struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioStore returns an ObjectStore backed by a minio-go client.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	creds := credentials.NewEnvAWS()
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// PutObject uploads size bytes from r to bucket/key.
func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// GetObject returns a reader for bucket/key, or ErrNotFound if the key does not exist.
func (s *MinioStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts streaming.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}
	return obj, nil
}

// BucketExists reports whether the configured bucket is reachable. Used by health checks.
func (s *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.client.BucketExists(ctx, bucket)
}

func mapMinioErr(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	return err
}
