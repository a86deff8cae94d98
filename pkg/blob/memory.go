package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is a process-local Store with mem:// URIs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Scheme() string { return "mem" }

func (s *MemoryStore) Put(_ context.Context, tenantID string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	uri := "mem://" + objectKey("", tenantID, hex.EncodeToString(sum[:]))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[uri]; !ok {
		s.blobs[uri] = append([]byte(nil), data...)
	}
	return uri, nil
}

func (s *MemoryStore) Owns(tenantID, uri string) bool {
	key, ok := strings.CutPrefix(uri, "mem://")
	return ok && inTenant("", tenantID, key)
}

func (s *MemoryStore) Get(_ context.Context, tenantID, uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "mem://") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	if !s.Owns(tenantID, uri) {
		return nil, notFound(uri)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[uri]
	if !ok {
		return nil, notFound(uri)
	}
	return append([]byte(nil), data...), nil
}

// Overwrite replaces the bytes behind uri, simulating out-of-band mutation of
// external storage.
func (s *MemoryStore) Overwrite(uri string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[uri] = append([]byte(nil), data...)
}
