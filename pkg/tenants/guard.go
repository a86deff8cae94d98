// Package tenants enforces tenant scope and holds each tenant's data mode.
package tenants

import (
	"errors"
	"log/slog"
	"regexp"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
)

var (
	// ErrNotFound is returned both for absent records and for records owned by
	// another tenant. Callers must not be able to tell the two apart.
	ErrNotFound = errors.New("tenants: not found")
	// ErrInvalidTenant rejects empty or malformed tenant ids.
	ErrInvalidTenant = errors.New("tenants: invalid tenant id")
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks a caller-asserted tenant id.
func ValidateID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return ErrInvalidTenant
	}
	return nil
}

// Guard filters records by owning tenant before they leave the store layer.
type Guard struct {
	logger *slog.Logger
}

// NewGuard creates a guard. Cross-tenant lookups are logged at warn level for
// operators; nothing about them reaches the caller.
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger.With("component", "tenant_guard")}
}

// Scope returns rec if it belongs to tenantID and ErrNotFound otherwise.
func (g *Guard) Scope(tenantID string, rec *evidence.Record) (*evidence.Record, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.TenantID != tenantID {
		g.logger.Warn("cross-tenant lookup refused", "caller_tenant", tenantID, "record_id", rec.RecordID)
		return nil, ErrNotFound
	}
	return rec, nil
}

// Filter drops every record not owned by tenantID.
func (g *Guard) Filter(tenantID string, recs []*evidence.Record) []*evidence.Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r != nil && r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	if dropped := len(recs) - len(out); dropped > 0 {
		g.logger.Warn("cross-tenant rows filtered", "caller_tenant", tenantID, "dropped", dropped)
	}
	return out
}
