package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	uri, err := s.Put(ctx, "acme", []byte("certificate bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))
	assert.Contains(t, uri, "/acme/")

	got, err := s.Get(ctx, "acme", uri)
	require.NoError(t, err)
	assert.Equal(t, "certificate bytes", string(got))

	again, err := s.Put(ctx, "acme", []byte("certificate bytes"))
	require.NoError(t, err)
	assert.Equal(t, uri, again)

	other, err := s.Put(ctx, "globex", []byte("certificate bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, uri, other)
}

func TestFileStore_GetErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Get(ctx, "acme", "file://"+filepath.ToSlash(filepath.Join(s.baseDir, "acme", "missing.blob")))
	assert.ErrorIs(t, err, ErrNotFound)

	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	_, err = s.Get(ctx, "acme", "file://"+filepath.ToSlash(outside))
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = s.Get(ctx, "acme", "s3://bucket/key")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	uri, err := s.Put(ctx, "acme", []byte("a"))
	require.NoError(t, err)
	got, err := s.Get(ctx, "acme", uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	got[0] = 'z'
	again, err := s.Get(ctx, "acme", uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), again)

	s.Overwrite(uri, []byte("b"))
	again, err = s.Get(ctx, "acme", uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), again)

	_, err = s.Get(ctx, "acme", "mem://acme/none.blob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RefusesForeignTenant(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	uri, err := s.Put(ctx, "acme", []byte("acme only"))
	require.NoError(t, err)
	assert.True(t, s.Owns("acme", uri))
	assert.False(t, s.Owns("globex", uri))
	assert.False(t, s.Owns("acm", uri))

	_, err = s.Get(ctx, "globex", uri)
	assert.ErrorIs(t, err, ErrNotFound)
	_, missing := s.Get(ctx, "globex", "file://"+filepath.ToSlash(filepath.Join(s.baseDir, "globex", "none.blob")))
	assert.ErrorIs(t, missing, ErrNotFound)
}

func TestMemoryStore_RefusesForeignTenant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	uri, err := s.Put(ctx, "acme", []byte("acme only"))
	require.NoError(t, err)
	assert.True(t, s.Owns("acme", uri))
	assert.False(t, s.Owns("globex", uri))
	assert.False(t, s.Owns("acme", "mem://acme/"))
	assert.False(t, s.Owns("acme", "mem://acme/../globex/x.blob"))

	_, foreign := s.Get(ctx, "globex", uri)
	_, absent := s.Get(ctx, "globex", "mem://globex/none.blob")
	assert.ErrorIs(t, foreign, ErrNotFound)
	assert.ErrorIs(t, absent, ErrNotFound)
}

// The key checks run before any client call, so a zero client is enough.
func TestS3Store_RefusesForeignKeys(t *testing.T) {
	s := &S3Store{bucket: "evidence", prefix: "ledger/"}

	assert.True(t, s.Owns("acme", "s3://evidence/ledger/acme/ab.blob"))
	assert.False(t, s.Owns("globex", "s3://evidence/ledger/acme/ab.blob"))
	assert.False(t, s.Owns("acme", "s3://other-bucket/ledger/acme/ab.blob"))
	assert.False(t, s.Owns("acme", "s3://evidence/acme/ab.blob"))
	assert.False(t, s.Owns("acme", "gs://evidence/ledger/acme/ab.blob"))

	_, err := s.Get(context.Background(), "globex", "s3://evidence/ledger/acme/ab.blob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(context.Background(), "acme", "s3://other-bucket/ledger/acme/ab.blob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSplitURI(t *testing.T) {
	host, key, err := splitURI("s3://evidence/ledger/acme/ab.blob", "s3")
	require.NoError(t, err)
	assert.Equal(t, "evidence", host)
	assert.Equal(t, "ledger/acme/ab.blob", key)

	_, _, err = splitURI("gs://evidence/a.blob", "s3")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, _, err = splitURI("s3://evidence/", "s3")
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, _, err = splitURI("s3://evidence/../x", "s3")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "file", s.Scheme())

	s, err = New(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.Equal(t, "mem", s.Scheme())

	_, err = New(ctx, Config{Backend: BackendS3})
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "ftp"})
	assert.Error(t, err)
}
