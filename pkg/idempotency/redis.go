package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a reservation only if the caller's token still owns it,
// so a slow attempt whose reservation expired cannot free a newer holder's claim.
// KEYS[1] = reservation key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisReservations shares reservations across ledger replicas.
type RedisReservations struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig holds connection settings for RedisReservations.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisReservations connects to Redis.
func NewRedisReservations(cfg RedisConfig) *RedisReservations {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisReservationsFromClient(rdb, cfg.Prefix)
}

// NewRedisReservationsFromClient wraps an existing client.
func NewRedisReservationsFromClient(client redis.UniversalClient, prefix string) *RedisReservations {
	if prefix == "" {
		prefix = "ledger:idem:"
	}
	return &RedisReservations{client: client, prefix: prefix}
}

func (r *RedisReservations) key(tenantID, key string) string {
	return fmt.Sprintf("%s{%s}:%s", r.prefix, tenantID, key)
}

func (r *RedisReservations) Reserve(ctx context.Context, tenantID, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	err := r.client.SetArgs(ctx, r.key(tenantID, key), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis reserve: %w", err)
	}
	return token, true, nil
}

func (r *RedisReservations) Release(ctx context.Context, tenantID, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(tenantID, key)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisReservations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisReservations) Close() error {
	return r.client.Close()
}
