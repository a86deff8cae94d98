//go:build gcp

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Cloud Storage bucket under gs://bucket/prefix/tenant/sha.blob.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Scheme() string { return "gs" }

func (s *GCSStore) Put(ctx context.Context, tenantID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := objectKey(s.prefix, tenantID, hex.EncodeToString(sum[:]))
	uri := "gs://" + s.bucket + "/" + key

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return uri, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blob: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: gcs close: %w", err)
	}
	return uri, nil
}

func (s *GCSStore) key(tenantID, uri string) (string, error) {
	bucket, key, err := splitURI(uri, "gs")
	if err != nil {
		return "", err
	}
	if bucket != s.bucket || !inTenant(s.prefix, tenantID, key) {
		return "", notFound(uri)
	}
	return key, nil
}

func (s *GCSStore) Owns(tenantID, uri string) bool {
	_, err := s.key(tenantID, uri)
	return err == nil
}

func (s *GCSStore) Get(ctx context.Context, tenantID, uri string) ([]byte, error) {
	key, err := s.key(tenantID, uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: gcs get %s: %w", uri, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read %s: %w", uri, err)
	}
	return data, nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error { return s.client.Close() }
