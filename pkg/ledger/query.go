package ledger

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Get returns a record of the caller's tenant. A record owned by another
// tenant is reported exactly like a missing one.
func (l *Ledger) Get(ctx context.Context, c Caller, recordID string) (rec *evidence.Record, err error) {
	ctx, done, err := l.begin(ctx, &c, "get")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "get", recordID, err, false)
	}
	rec, err = l.load(ctx, c.TenantID, recordID)
	if err != nil {
		return nil, l.fail(ctx, c, "get", recordID, err, false)
	}
	return rec, nil
}

// List returns the caller's records matching f. QUARANTINED records are
// excluded unless f.IncludeQuarantined is set.
func (l *Ledger) List(ctx context.Context, c Caller, f store.RecordFilter) (recs []*evidence.Record, err error) {
	ctx, done, err := l.begin(ctx, &c, "list")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "list", "", err, false)
	}

	var fields []evidence.FieldError
	if f.Limit < 0 || f.Limit > MaxListLimit {
		fields = append(fields, evidence.FieldError{Field: "limit", Kind: evidence.KindInvalidValue, Message: fmt.Sprintf("must be between 1 and %d", MaxListLimit)})
	}
	if f.Offset < 0 {
		fields = append(fields, evidence.FieldError{Field: "offset", Kind: evidence.KindInvalidValue, Message: "must not be negative"})
	}
	if f.DatasetType != "" && !f.DatasetType.Valid() {
		fields = append(fields, evidence.FieldError{Field: "dataset_type", Kind: evidence.KindInvalidValue, Message: "is not a supported dataset type"})
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			fields = append(fields, evidence.FieldError{Field: "status", Kind: evidence.KindInvalidValue, Message: fmt.Sprintf("%q is not a status", s)})
		}
	}
	if len(fields) > 0 {
		return nil, l.fail(ctx, c, "list", "", fieldError(CodeValidationFailed, "invalid list filter", fields), false)
	}
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}

	recs, err = l.store.ListRecords(ctx, c.TenantID, f)
	if err != nil {
		return nil, l.fail(ctx, c, "list", "", err, false)
	}
	return l.guard.Filter(c.TenantID, recs), nil
}

// AuditTrail returns every event of one record, in chain order.
func (l *Ledger) AuditTrail(ctx context.Context, c Caller, recordID string) (evs []*audit.Event, err error) {
	ctx, done, err := l.begin(ctx, &c, "audit_trail")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "audit_trail", recordID, err, false)
	}
	if _, err := l.load(ctx, c.TenantID, recordID); err != nil {
		return nil, l.fail(ctx, c, "audit_trail", recordID, err, false)
	}
	evs, err = l.store.EventsForRecord(ctx, c.TenantID, recordID)
	if err != nil {
		return nil, l.fail(ctx, c, "audit_trail", recordID, err, false)
	}
	return evs, nil
}

// EventsByCorrelation returns the tenant's events written under one
// correlation id, failed attempts included.
func (l *Ledger) EventsByCorrelation(ctx context.Context, c Caller, correlationID string) (evs []*audit.Event, err error) {
	ctx, done, err := l.begin(ctx, &c, "events_by_correlation")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "events_by_correlation", "", err, false)
	}
	if correlationID == "" {
		return nil, l.fail(ctx, c, "events_by_correlation", "", fieldError(CodeValidationFailed, "correlation_id is required",
			[]evidence.FieldError{{Field: "correlation_id", Kind: evidence.KindMissing, Message: "is required"}}), false)
	}
	evs, err = l.store.EventsByCorrelation(ctx, c.TenantID, correlationID)
	if err != nil {
		return nil, l.fail(ctx, c, "events_by_correlation", "", err, false)
	}
	return evs, nil
}

// Counts are the tenant's compliance aggregate figures. The population is the
// current evidence: records neither REJECTED nor SUPERSEDED.
type Counts struct {
	TenantID             string `json:"tenant_id"`
	Total                int    `json:"total"`
	Quarantined          int    `json:"quarantined"`
	ProvenanceIncomplete int    `json:"provenance_incomplete"`
	Valid                int    `json:"valid"`
	// Eligible is recomputed from record content rather than stored flags.
	// It must equal Valid; Consistent reports whether it does.
	Eligible   int  `json:"eligible"`
	Consistent bool `json:"consistent"`
}

func countRecords(tenantID string, recs []*evidence.Record) Counts {
	c := Counts{TenantID: tenantID}
	for _, r := range recs {
		if !r.InPopulation() {
			continue
		}
		c.Total++
		switch {
		case r.Status == evidence.StatusQuarantined:
			c.Quarantined++
		case r.ProvenanceIncomplete:
			c.ProvenanceIncomplete++
		}
		if eligible(r) {
			c.Eligible++
		}
	}
	c.Valid = c.Total - c.Quarantined - c.ProvenanceIncomplete
	c.Consistent = c.Valid == c.Eligible
	return c
}

// Counts computes the tenant's aggregate figures from stored flags.
func (l *Ledger) Counts(ctx context.Context, c Caller) (res *Counts, err error) {
	ctx, done, err := l.begin(ctx, &c, "counts")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "counts", "", err, false)
	}
	recs, err := l.store.ListRecords(ctx, c.TenantID, store.RecordFilter{IncludeQuarantined: true})
	if err != nil {
		return nil, l.fail(ctx, c, "counts", "", err, false)
	}
	counts := countRecords(c.TenantID, l.guard.Filter(c.TenantID, recs))
	if !counts.Consistent {
		l.logger.WarnContext(ctx, "aggregate identity violated; run reconcile",
			"tenant_id", c.TenantID, "valid", counts.Valid, "eligible", counts.Eligible)
	}
	return &counts, nil
}
