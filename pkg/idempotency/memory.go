package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type reservation struct {
	token     string
	expiresAt time.Time
}

// MemoryReservations is an in-process reservation table for single-node deployments.
type MemoryReservations struct {
	mu    sync.Mutex
	held  map[string]reservation
	clock func() time.Time
}

// NewMemoryReservations creates an empty reservation table.
func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{
		held:  make(map[string]reservation),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryReservations) WithClock(clock func() time.Time) *MemoryReservations {
	m.clock = clock
	return m
}

func (m *MemoryReservations) Reserve(_ context.Context, tenantID, key string, ttl time.Duration) (string, bool, error) {
	k := tenantID + "\x00" + key
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.held[k]; ok && now.Before(r.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[k] = reservation{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryReservations) Release(_ context.Context, tenantID, key, token string) error {
	k := tenantID + "\x00" + key

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.held[k]; ok && r.token == token {
		delete(m.held, k)
	}
	return nil
}

// Sweep drops expired reservations and returns how many were removed.
func (m *MemoryReservations) Sweep() int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, r := range m.held {
		if !now.Before(r.expiresAt) {
			delete(m.held, k)
			n++
		}
	}
	return n
}
