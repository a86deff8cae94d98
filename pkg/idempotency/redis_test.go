package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisReservations(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := NewRedisReservations(RedisConfig{Addr: addr, Prefix: "ledger-test:" + uuid.NewString() + ":"})
	defer func() { _ = r.Close() }()
	require.NoError(t, r.Ping(ctx))

	tok, ok, err := r.Reserve(ctx, "t", "k", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.Reserve(ctx, "t", "k", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "t", "k", "not-the-token"))
	_, ok, _ = r.Reserve(ctx, "t", "k", 2*time.Second)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "t", "k", tok))
	_, ok, err = r.Reserve(ctx, "t", "k", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
