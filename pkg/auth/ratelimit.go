package auth

import (
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/api"
)

// TenantLimiter keeps one token bucket per tenant, so a noisy tenant cannot
// starve the others.
type TenantLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows rps sustained requests per tenant with the given burst.
// rps <= 0 disables limiting.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &TenantLimiter{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *TenantLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

// Allow consumes one token for key.
func (l *TenantLimiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

// retryAfter is the whole number of seconds until one token is available.
func (l *TenantLimiter) retryAfter() int {
	if l.limit == rate.Inf || l.limit <= 0 {
		return 1
	}
	secs := int(math.Ceil(1 / float64(l.limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
func (l *TenantLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}

// RateLimitMiddleware enforces per-tenant rate limiting at the HTTP layer.
// It keys on the authenticated tenant and falls back to the remote address.
func RateLimitMiddleware(l *TenantLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := "ip:" + r.RemoteAddr
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = "tenant:" + p.TenantID
			}
			if !l.Allow(key) {
				api.WriteTooManyRequests(w, r, l.retryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
