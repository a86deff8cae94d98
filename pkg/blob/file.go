package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps blobs under a local directory. URIs are file:// URLs with an
// absolute path.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve dir: %w", err)
	}
	//nolint:gosec // G301: blob dir is shared with operators
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: ensure dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) Scheme() string { return "file" }

func (s *FileStore) Put(_ context.Context, tenantID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	path := filepath.Join(s.baseDir, filepath.FromSlash(objectKey("", tenantID, hex.EncodeToString(sum[:]))))
	uri := "file://" + filepath.ToSlash(path)

	if _, err := os.Stat(path); err == nil {
		return uri, nil
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: ensure tenant dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: commit: %w", err)
	}
	return uri, nil
}

// resolve maps uri to a path inside baseDir and returns its slash-separated
// key relative to baseDir.
func (s *FileStore) resolve(uri string) (path, key string, err error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	path = filepath.Clean(filepath.FromSlash(strings.TrimPrefix(uri, "file://")))
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("%w: %q outside blob dir", ErrInvalidURI, uri)
	}
	return path, filepath.ToSlash(rel), nil
}

func (s *FileStore) Owns(tenantID, uri string) bool {
	_, key, err := s.resolve(uri)
	return err == nil && inTenant("", tenantID, key)
}

func (s *FileStore) Get(_ context.Context, tenantID, uri string) ([]byte, error) {
	path, key, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	if !inTenant("", tenantID, key) {
		return nil, notFound(uri)
	}
	data, err := os.ReadFile(path) //nolint:gosec // confined to the tenant's dir above
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", uri, err)
	}
	return data, nil
}
