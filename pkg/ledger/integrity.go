package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// Actors used for events the ledger writes on its own behalf.
const (
	ActorBackfill  = "system:backfill"
	ActorReconcile = "system:reconcile"
)

// VerifyChain recomputes every hash of the caller's tenant chain.
func (l *Ledger) VerifyChain(ctx context.Context, c Caller) (res *audit.VerifyResult, err error) {
	ctx, done, err := l.begin(ctx, &c, "verify_chain")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "verify_chain", "", err, false)
	}
	evs, err := l.store.ListEvents(ctx, c.TenantID)
	if err != nil {
		return nil, l.fail(ctx, c, "verify_chain", "", err, false)
	}
	result := l.chain.Verify(c.TenantID, evs)
	if !result.Valid {
		l.obs.ChainBroken(ctx, c.TenantID)
		l.logger.ErrorContext(ctx, "audit chain broken",
			"tenant_id", c.TenantID, "broken_at", result.BrokenAt, "reason", result.Reason, "checked", result.Checked)
	}
	return &result, nil
}

// BackfillReport is the outcome of one backfill pass over a tenant.
type BackfillReport struct {
	TenantID    string   `json:"tenant_id"`
	Scanned     int      `json:"scanned"`
	Synthesized int      `json:"synthesized"`
	RecordIDs   []string `json:"record_ids"`
}

// Backfill finds sealed records without a SEALED event and appends a flagged,
// synthesized one for each. It is idempotent: a second pass finds nothing.
func (l *Ledger) Backfill(ctx context.Context, c Caller) (res *BackfillReport, err error) {
	ctx, done, err := l.begin(ctx, &c, "backfill")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "backfill", "", err, false)
	}
	res, err = l.backfill(ctx, c.TenantID, c.CorrelationID)
	if err != nil {
		return nil, l.fail(ctx, c, "backfill", "", err, false)
	}
	return res, nil
}

func (l *Ledger) backfill(ctx context.Context, tenantID, correlationID string) (*BackfillReport, error) {
	report := &BackfillReport{TenantID: tenantID, RecordIDs: []string{}}

	recs, err := l.store.ListRecords(ctx, tenantID, store.RecordFilter{IncludeQuarantined: true})
	if err != nil {
		return nil, err
	}
	evs, err := l.store.ListEvents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sealed := make(map[string]bool, len(evs))
	for _, ev := range evs {
		if ev.EventType == audit.EventSealed {
			sealed[ev.RecordID] = true
		}
	}

	for _, rec := range recs {
		if !rec.IsSealed() {
			continue
		}
		report.Scanned++
		if sealed[rec.RecordID] {
			continue
		}
		wrote := false
		err := l.store.Update(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
			// Live traffic may have sealed it in the meantime.
			existing, err := tx.EventsForRecord(ctx, rec.RecordID)
			if err != nil {
				return err
			}
			for _, ev := range existing {
				if ev.EventType == audit.EventSealed {
					return nil
				}
			}
			details := map[string]string{"sealed_at_utc": rec.SealedAtUTC.UTC().Format(time.RFC3339Nano)}
			if rec.PayloadHashSHA256 != nil {
				details["payload_hash_sha256"] = *rec.PayloadHashSHA256
			}
			if rec.MetadataHashSHA256 != nil {
				details["metadata_hash_sha256"] = *rec.MetadataHashSHA256
			}
			_, err = l.chain.Append(ctx, tenantID, tx, audit.Event{
				RecordID:      rec.RecordID,
				EventType:     audit.EventSealed,
				Actor:         ActorBackfill,
				CorrelationID: correlationID,
				Details:       details,
				Backfilled:    true,
			})
			wrote = err == nil
			return err
		})
		if err != nil {
			return nil, err
		}
		if wrote {
			report.Synthesized++
			report.RecordIDs = append(report.RecordIDs, rec.RecordID)
		}
	}

	if report.Synthesized > 0 {
		l.obs.BackfillSynthesized(ctx, tenantID, report.Synthesized)
		l.logger.WarnContext(ctx, "synthesized missing SEALED events",
			"tenant_id", tenantID, "count", report.Synthesized, "record_ids", report.RecordIDs)
	}
	return report, nil
}

// Sweep runs Backfill over every tenant the store knows about.
func (l *Ledger) Sweep(ctx context.Context) ([]*BackfillReport, error) {
	tenantIDs, err := l.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]*BackfillReport, 0, len(tenantIDs))
	var errs []error
	for _, tenantID := range tenantIDs {
		report, err := l.backfill(ctx, tenantID, "sweep-"+l.newID())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
				l.logger.ErrorContext(ctx, "backfill sweep failed", "error", err)
			}
		}
	}
}

// ReconcileReport lists what reconciliation changed.
type ReconcileReport struct {
	TenantID    string            `json:"tenant_id"`
	Checked     int               `json:"checked"`
	Quarantined map[string]string `json:"quarantined"`
	Before      Counts            `json:"before"`
	After       Counts            `json:"after"`
}

// inconsistency returns why rec's stored flags disagree with its content, or "".
func inconsistency(rec *evidence.Record) string {
	var reasons []string
	if incomplete := !rec.Provenance.Complete(); incomplete != rec.ProvenanceIncomplete {
		reasons = append(reasons, "provenance_incomplete flag disagrees with provenance")
	}
	if reason := sealMismatch(rec); reason != "" {
		reasons = append(reasons, reason)
	}
	return strings.Join(reasons, "; ")
}

func sealMismatch(rec *evidence.Record) string {
	switch rec.Status {
	case evidence.StatusSealed:
		if rec.PayloadHashSHA256 == nil || rec.MetadataHashSHA256 == nil || rec.SealedAtUTC == nil {
			return "sealed without hashes"
		}
	case evidence.StatusIngested:
		if rec.SealedAtUTC != nil || rec.PayloadHashSHA256 != nil || rec.MetadataHashSHA256 != nil {
			return "unsealed record carries seal data"
		}
	}
	return ""
}

// eligible decides compliance eligibility from the provenance and seal data
// themselves, ignoring the stored provenance_incomplete flag.
func eligible(rec *evidence.Record) bool {
	return rec.InPopulation() &&
		rec.Status != evidence.StatusQuarantined &&
		rec.Provenance.Complete() &&
		sealMismatch(rec) == ""
}

// Reconcile recomputes every current record's eligibility and quarantines
// those whose stored flags disagree, so a mismatch is never silently dropped
// from a count.
func (l *Ledger) Reconcile(ctx context.Context, c Caller) (res *ReconcileReport, err error) {
	ctx, done, err := l.begin(ctx, &c, "reconcile")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "reconcile", "", err, true)
	}
	res, err = l.reconcile(ctx, c)
	if err != nil {
		return nil, l.fail(ctx, c, "reconcile", "", err, true)
	}
	return res, nil
}

func (l *Ledger) reconcile(ctx context.Context, c Caller) (*ReconcileReport, error) {
	recs, err := l.store.ListRecords(ctx, c.TenantID, store.RecordFilter{IncludeQuarantined: true})
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		TenantID:    c.TenantID,
		Quarantined: map[string]string{},
		Before:      countRecords(c.TenantID, recs),
	}

	err = l.store.Update(ctx, c.TenantID, func(ctx context.Context, tx store.Tx) error {
		for _, snap := range recs {
			if !snap.InPopulation() || snap.Status == evidence.StatusQuarantined {
				continue
			}
			report.Checked++
			rec, err := tx.GetRecord(ctx, snap.RecordID)
			if err != nil {
				return err
			}
			if !rec.InPopulation() || rec.Status == evidence.StatusQuarantined {
				continue
			}
			reason := inconsistency(rec)
			if reason == "" {
				continue
			}
			out, err := evidence.Transition(rec, evidence.ActionQuarantine)
			if err != nil {
				continue
			}
			now := l.now()
			prevStatus := rec.Status
			rec.Status = out.Next
			rec.QuarantineReason = "reconcile: " + reason
			rec.ProvenanceIncomplete = !rec.Provenance.Complete()
			rec.UpdatedAtUTC = now
			if err := tx.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			if _, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
				RecordID:      rec.RecordID,
				EventType:     audit.EventQuarantined,
				Actor:         ActorReconcile,
				TimestampUTC:  now,
				CorrelationID: c.CorrelationID,
				Details: map[string]string{
					"reason":          rec.QuarantineReason,
					"previous_status": string(prevStatus),
					"requested_by":    actorOf(c),
				},
			}); err != nil {
				return err
			}
			report.Quarantined[rec.RecordID] = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	after, err := l.store.ListRecords(ctx, c.TenantID, store.RecordFilter{IncludeQuarantined: true})
	if err != nil {
		return nil, err
	}
	report.After = countRecords(c.TenantID, after)
	l.obs.ReconcileQuarantined(ctx, c.TenantID, len(report.Quarantined))
	return report, nil
}
