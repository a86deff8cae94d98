// Package blob stores evidence payload bytes outside the ledger. The ledger
// keeps only the returned URI and, once sealed, the SHA-256 of what the URI
// resolves to.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNotFound          = errors.New("blob: not found")
	ErrUnsupportedScheme = errors.New("blob: unsupported uri scheme")
	ErrInvalidURI        = errors.New("blob: invalid uri")
)

// Store persists payload bytes. Keys are content addressed, so Put of the same
// bytes for the same tenant is idempotent and returns the same URI.
//
// Every key lives under its tenant's prefix. Get refuses a URI outside the
// caller's key space with ErrNotFound, the same answer as a missing blob.
type Store interface {
	Put(ctx context.Context, tenantID string, data []byte) (string, error)
	Get(ctx context.Context, tenantID, uri string) ([]byte, error)
	// Owns reports whether uri names a key in tenantID's space of this store.
	// It performs no I/O.
	Owns(tenantID, uri string) bool
	// Scheme is the URI scheme this store resolves ("file", "s3", "gs", "mem").
	Scheme() string
}

// objectKey is the tenant-scoped, content-addressed key for data.
func objectKey(prefix, tenantID, sum string) string {
	return prefix + tenantID + "/" + sum + ".blob"
}

// inTenant reports whether key sits under prefix/tenantID/.
func inTenant(prefix, tenantID, key string) bool {
	if tenantID == "" || strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, prefix+tenantID+"/") && len(key) > len(prefix)+len(tenantID)+1
}

func notFound(uri string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, uri)
}

// splitURI parses scheme://bucket/key and checks the scheme.
func splitURI(uri, scheme string) (host, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	if u.Scheme != scheme {
		return "", "", fmt.Errorf("%w: %q (want %s)", ErrUnsupportedScheme, u.Scheme, scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return u.Host, key, nil
}
