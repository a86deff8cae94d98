//go:build gcp

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGCSStore_RefusesForeignKeys(t *testing.T) {
	s := &GCSStore{bucket: "evidence", prefix: "ledger/"}

	assert.True(t, s.Owns("acme", "gs://evidence/ledger/acme/ab.blob"))
	assert.False(t, s.Owns("globex", "gs://evidence/ledger/acme/ab.blob"))
	assert.False(t, s.Owns("acme", "gs://other-bucket/ledger/acme/ab.blob"))

	_, err := s.Get(context.Background(), "globex", "gs://evidence/ledger/acme/ab.blob")
	assert.ErrorIs(t, err, ErrNotFound)
}
