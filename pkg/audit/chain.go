// Package audit implements the per-tenant, hash-chained audit trail.
//
// Every tenant owns an independent chain. The first event links to a
// tenant-specific genesis sentinel derived with HKDF, so two tenants' chains
// can never be spliced together and one tenant's proof reveals nothing about
// another's chain topology.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/canonicalize"
)

var (
	ErrTenantMismatch = errors.New("audit: event tenant does not match chain")
	ErrMissingRecord  = errors.New("audit: event has no record id")
)

// EventType is the kind of transition an event records.
type EventType string

const (
	EventIngested            EventType = "INGESTED"
	EventSealed              EventType = "SEALED"
	EventQuarantined         EventType = "QUARANTINED"
	EventRejected            EventType = "REJECTED"
	EventSuperseded          EventType = "SUPERSEDED"
	EventAmended             EventType = "AMENDED"
	EventProvenanceCorrected EventType = "PROVENANCE_CORRECTED"
	EventAttemptFailed       EventType = "ATTEMPT_FAILED"
)

// Event is one immutable audit entry.
type Event struct {
	EventID       string            `json:"event_id"`
	TenantID      string            `json:"tenant_id"`
	RecordID      string            `json:"record_id"`
	Sequence      uint64            `json:"sequence"`
	EventType     EventType         `json:"event_type"`
	Actor         string            `json:"actor"`
	TimestampUTC  time.Time         `json:"timestamp_utc"`
	CorrelationID string            `json:"correlation_id"`
	Details       map[string]string `json:"details,omitempty"`
	Backfilled    bool              `json:"backfilled"`
	PrevEventHash string            `json:"prev_event_hash"`
	ThisEventHash string            `json:"this_event_hash"`
}

// Log is the tenant-scoped persistence a chain appends through. Implementations
// must be called inside the tenant's critical section so Head and Insert are
// observed atomically.
type Log interface {
	Head(ctx context.Context) (*Event, error)
	Insert(ctx context.Context, ev *Event) error
}

// Chain computes and verifies event hashes.
type Chain struct {
	secret []byte
	clock  func() time.Time
}

// DefaultGenesisSecret is used when no deployment-specific secret is configured.
const DefaultGenesisSecret = "evidence-ledger/audit-chain/v1"

// NewChain creates a chain hasher. The secret seeds every tenant's genesis sentinel.
func NewChain(secret string) *Chain {
	if secret == "" {
		secret = DefaultGenesisSecret
	}
	return &Chain{secret: []byte(secret), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Genesis returns the tenant's genesis sentinel: the prev_event_hash of its first event.
func (c *Chain) Genesis(tenantID string) string {
	r := hkdf.New(sha256.New, c.secret, []byte("audit-chain-genesis"), []byte(tenantID))
	out := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails past 255 blocks of output.
		panic(fmt.Sprintf("audit: genesis derivation: %v", err))
	}
	return hex.EncodeToString(out)
}

type hashable struct {
	EventID       string            `json:"event_id"`
	TenantID      string            `json:"tenant_id"`
	RecordID      string            `json:"record_id"`
	Sequence      uint64            `json:"sequence"`
	EventType     EventType         `json:"event_type"`
	Actor         string            `json:"actor"`
	TimestampUTC  string            `json:"timestamp_utc"`
	CorrelationID string            `json:"correlation_id"`
	Details       map[string]string `json:"details,omitempty"`
	Backfilled    bool              `json:"backfilled"`
	PrevEventHash string            `json:"prev_event_hash"`
}

// ComputeHash returns this_event_hash for ev: the SHA-256 of its canonical
// content including prev_event_hash.
func ComputeHash(ev *Event) (string, error) {
	h, err := canonicalize.CanonicalHash(hashable{
		EventID:       ev.EventID,
		TenantID:      ev.TenantID,
		RecordID:      ev.RecordID,
		Sequence:      ev.Sequence,
		EventType:     ev.EventType,
		Actor:         ev.Actor,
		TimestampUTC:  ev.TimestampUTC.UTC().Format(time.RFC3339Nano),
		CorrelationID: ev.CorrelationID,
		Details:       ev.Details,
		Backfilled:    ev.Backfilled,
		PrevEventHash: ev.PrevEventHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	return h, nil
}

// Append links ev to the tenant's chain head, computes its hash and inserts it.
// EventID and TimestampUTC are filled in when empty.
func (c *Chain) Append(ctx context.Context, tenantID string, log Log, ev Event) (*Event, error) {
	if ev.TenantID == "" {
		ev.TenantID = tenantID
	}
	if ev.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	// Failed attempts may precede any record (a rejected ingest).
	if ev.RecordID == "" && ev.EventType != EventAttemptFailed {
		return nil, ErrMissingRecord
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TimestampUTC.IsZero() {
		ev.TimestampUTC = c.clock()
	}
	// Stored timestamps round-trip through Postgres at microsecond precision.
	ev.TimestampUTC = ev.TimestampUTC.UTC().Truncate(time.Microsecond)

	head, err := log.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}
	if head == nil {
		ev.Sequence = 1
		ev.PrevEventHash = c.Genesis(tenantID)
	} else {
		ev.Sequence = head.Sequence + 1
		ev.PrevEventHash = head.ThisEventHash
	}

	hash, err := ComputeHash(&ev)
	if err != nil {
		return nil, err
	}
	ev.ThisEventHash = hash

	if err := log.Insert(ctx, &ev); err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}
	return &ev, nil
}

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	TenantID string `json:"tenant_id"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Checked  int    `json:"checked"`
}

// Verify recomputes every hash of a tenant's chain, given in sequence order,
// and reports the first event whose content or linkage does not match.
func (c *Chain) Verify(tenantID string, events []*Event) VerifyResult {
	res := VerifyResult{TenantID: tenantID, Valid: true}
	prev := c.Genesis(tenantID)
	for i, ev := range events {
		res.Checked = i + 1
		broken := func(reason string) VerifyResult {
			res.Valid = false
			res.BrokenAt = ev.EventID
			res.Reason = reason
			return res
		}
		if ev.TenantID != tenantID {
			return broken("tenant mismatch")
		}
		if ev.Sequence != uint64(i+1) {
			return broken(fmt.Sprintf("sequence gap: expected %d, found %d", i+1, ev.Sequence))
		}
		if ev.PrevEventHash != prev {
			return broken("prev_event_hash does not link to preceding event")
		}
		recomputed, err := ComputeHash(ev)
		if err != nil {
			return broken(err.Error())
		}
		if recomputed != ev.ThisEventHash {
			return broken("this_event_hash does not match content")
		}
		prev = ev.ThisEventHash
	}
	return res
}
