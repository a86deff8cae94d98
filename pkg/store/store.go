// Package store persists evidence records, audit events and idempotency
// entries.
//
// Writes go through Update, which runs a function inside a tenant-scoped
// critical section: a transaction holding the tenant's writer lock. Everything
// the function does commits together or not at all, which is what keeps a
// sealed record, its hashes and its audit event inseparable. Reads outside
// Update are snapshot reads and never wait on writers of the same tenant.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
	ErrConflict  = errors.New("store: concurrent modification")
)

// RecordFilter selects records for List.
type RecordFilter struct {
	Statuses    []evidence.Status
	DatasetType evidence.DatasetType
	// IncludeQuarantined must be set explicitly to see QUARANTINED records.
	IncludeQuarantined bool
	// ComplianceOnly keeps only records that may feed a compliance aggregate.
	ComplianceOnly bool
	Limit          int
	Offset         int
}

// Tx is the tenant-bound view available inside Update.
type Tx interface {
	audit.Log

	TenantID() string
	GetRecord(ctx context.Context, recordID string) (*evidence.Record, error)
	FindByNaturalKey(ctx context.Context, naturalKey string) (*evidence.Record, error)
	// InsertRecord stores a new record. naturalKey may be empty; a non-empty
	// key already used by the tenant yields ErrDuplicate.
	InsertRecord(ctx context.Context, rec *evidence.Record, naturalKey string) error
	// UpdateRecord replaces a record whose Version matches the stored one and
	// increments Version.
	UpdateRecord(ctx context.Context, rec *evidence.Record) error
	NextDisplaySeq(ctx context.Context) (int64, error)
	GetIdempotency(ctx context.Context, key string) (*idempotency.Entry, error)
	PutIdempotency(ctx context.Context, e *idempotency.Entry) error
	EventsForRecord(ctx context.Context, recordID string) ([]*audit.Event, error)
}

// Store is the ledger's persistence boundary.
type Store interface {
	Update(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error

	// GetRecord looks a record up by id alone. Tenant scoping is the caller's
	// job (see tenants.Guard); the store returns whatever owns the id.
	GetRecord(ctx context.Context, recordID string) (*evidence.Record, error)
	ListRecords(ctx context.Context, tenantID string, f RecordFilter) ([]*evidence.Record, error)

	ListEvents(ctx context.Context, tenantID string) ([]*audit.Event, error)
	EventsForRecord(ctx context.Context, tenantID, recordID string) ([]*audit.Event, error)
	EventsByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*audit.Event, error)

	GetIdempotency(ctx context.Context, tenantID, key string) (*idempotency.Entry, error)
	Tenants(ctx context.Context) ([]string, error)
	Close() error
}

// Matches reports whether rec passes f, ignoring paging.
func (f RecordFilter) Matches(rec *evidence.Record) bool {
	if !f.IncludeQuarantined && rec.Status == evidence.StatusQuarantined {
		return false
	}
	if f.ComplianceOnly && !rec.CountsTowardCompliance() {
		return false
	}
	if f.DatasetType != "" && rec.Declaration.DatasetType != f.DatasetType {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if rec.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// FormatDisplayID renders a tenant-scoped display sequence.
func FormatDisplayID(seq int64) string {
	return fmt.Sprintf("EV-%06d", seq)
}

// ParseDisplayID is the inverse of FormatDisplayID.
func ParseDisplayID(displayID string) (int64, error) {
	var seq int64
	if _, err := fmt.Sscanf(displayID, "EV-%d", &seq); err != nil {
		return 0, fmt.Errorf("store: display id %q: %w", displayID, err)
	}
	return seq, nil
}
