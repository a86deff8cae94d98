// Package hashing is the ledger's integrity primitive: SHA-256 digests over
// payload bytes and over canonicalised metadata. Every function is pure.
package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/canonicalize"
)

// ErrNilMetadata is returned when HashMetadata is given nothing to hash.
var ErrNilMetadata = errors.New("hashing: metadata is nil")

// HashPayload returns the lowercase hex SHA-256 of the payload bytes exactly
// as the server received them.
func HashPayload(payload []byte) string {
	return canonicalize.HashBytes(payload)
}

// HashMetadata canonicalises metadata with RFC 8785 and returns the lowercase
// hex SHA-256 of the result. Key order in the input never affects the digest.
func HashMetadata(metadata any) (string, error) {
	if metadata == nil {
		return "", ErrNilMetadata
	}
	h, err := canonicalize.CanonicalHash(metadata)
	if err != nil {
		return "", fmt.Errorf("hashing: metadata: %w", err)
	}
	return h, nil
}

// Equal compares two hex digests in constant time over their decoded bytes.
// Malformed digests never compare equal.
func Equal(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil || len(ab) == 0 {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil || len(ab) != len(bb) {
		return false
	}
	var diff byte
	for i := range ab {
		diff |= ab[i] ^ bb[i]
	}
	return diff == 0
}
