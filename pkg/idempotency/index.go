// Package idempotency maps idempotency keys to the result of the first
// successful call that used them.
//
// A key is either supplied by the caller (Idempotency-Key header) or, for
// API_PUSH ingestion, derived from (dataset_type, external_reference_id).
// Durable entries live in the ledger store next to the records they guard;
// short-lived reservations stop two concurrent attempts with the same key
// from both executing, and expire so an abandoned attempt never blocks retries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/canonicalize"
)

// ErrReservationHeld is returned by Reservations.Reserve implementations that
// prefer an error to a false ok; Index treats both the same way.
var ErrReservationHeld = errors.New("idempotency: reservation held")

// Entry is the durable record of a completed call.
type Entry struct {
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"key"`
	Operation   string          `json:"operation"`
	Fingerprint string          `json:"fingerprint"`
	RecordID    string          `json:"record_id"`
	Status      int             `json:"status"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decision is the outcome of Begin.
type Decision int

const (
	// DecisionNew means the caller holds the reservation and must execute.
	DecisionNew Decision = iota
	// DecisionReplay means an identical call already completed; return Entry.
	DecisionReplay
	// DecisionConflict means the key was used for a materially different call.
	DecisionConflict
	// DecisionInFlight means another attempt holds an unexpired reservation.
	DecisionInFlight
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "NEW"
	case DecisionReplay:
		return "REPLAY"
	case DecisionConflict:
		return "CONFLICT"
	case DecisionInFlight:
		return "IN_FLIGHT"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Reservations is the short-lived exclusion over keys.
type Reservations interface {
	// Reserve claims key for ttl. ok is false when another holder's claim has not expired.
	Reserve(ctx context.Context, tenantID, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the claim if token still owns it.
	Release(ctx context.Context, tenantID, key, token string) error
}

// LookupFunc reads a durable entry; it returns nil, nil when the key is unused.
type LookupFunc func(ctx context.Context, tenantID, key string) (*Entry, error)

// Index coordinates durable lookups with reservations.
type Index struct {
	reservations Reservations
	ttl          time.Duration
}

// DefaultTTL bounds how long an abandoned attempt can block retries.
const DefaultTTL = 30 * time.Second

// NewIndex creates an index over the given reservation backend.
func NewIndex(r Reservations, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{reservations: r, ttl: ttl}
}

// TTL returns the reservation lifetime.
func (ix *Index) TTL() time.Duration { return ix.ttl }

// Claim is the caller's hold over a set of keys.
type Claim struct {
	TenantID string
	Keys     []string
	tokens   map[string]string
}

// Result is returned by Begin.
type Result struct {
	Decision Decision
	Entry    *Entry
	Claim    *Claim
}

// Begin decides what to do with a call identified by keys and fingerprint.
// All keys are checked; a durable entry under any of them wins. On
// DecisionNew the returned Claim must be passed to Release when done.
func (ix *Index) Begin(ctx context.Context, tenantID string, keys []string, fingerprint string, lookup LookupFunc) (Result, error) {
	if len(keys) == 0 {
		return Result{Decision: DecisionNew, Claim: &Claim{TenantID: tenantID}}, nil
	}

	entry, decision, err := Match(ctx, tenantID, keys, fingerprint, lookup)
	if err != nil {
		return Result{}, err
	}
	if entry != nil {
		return Result{Decision: decision, Entry: entry}, nil
	}

	claim := &Claim{TenantID: tenantID, tokens: make(map[string]string, len(keys))}
	for _, key := range keys {
		token, ok, err := ix.reservations.Reserve(ctx, tenantID, key, ix.ttl)
		if errors.Is(err, ErrReservationHeld) {
			ok, err = false, nil
		}
		if err != nil {
			ix.Release(context.WithoutCancel(ctx), claim)
			return Result{}, fmt.Errorf("idempotency: reserve %q: %w", key, err)
		}
		if !ok {
			ix.Release(context.WithoutCancel(ctx), claim)
			return Result{Decision: DecisionInFlight}, nil
		}
		claim.Keys = append(claim.Keys, key)
		claim.tokens[key] = token
	}
	return Result{Decision: DecisionNew, Claim: claim}, nil
}

// Release drops every reservation held by claim. Errors are ignored: an
// unreleased reservation simply expires.
func (ix *Index) Release(ctx context.Context, claim *Claim) {
	if claim == nil {
		return
	}
	for _, key := range claim.Keys {
		_ = ix.reservations.Release(ctx, claim.TenantID, key, claim.tokens[key])
	}
	claim.Keys = nil
}

// Match looks every key up and classifies the first durable entry found.
// It returns a nil entry when no key has been used. The ledger calls it again
// inside its critical section, where it is authoritative.
func Match(ctx context.Context, tenantID string, keys []string, fingerprint string, lookup LookupFunc) (*Entry, Decision, error) {
	for _, key := range keys {
		e, err := lookup(ctx, tenantID, key)
		if err != nil {
			return nil, 0, fmt.Errorf("idempotency: lookup %q: %w", key, err)
		}
		if e == nil {
			continue
		}
		if e.Fingerprint != fingerprint {
			return e, DecisionConflict, nil
		}
		return e, DecisionReplay, nil
	}
	return nil, DecisionNew, nil
}

// Fingerprint is the hash identifying a call's material content. Two calls
// with the same fingerprint are the same call.
func Fingerprint(operation, target string, body any) (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Operation string `json:"operation"`
		Target    string `json:"target"`
		Body      any    `json:"body"`
	}{operation, target, body})
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprint: %w", err)
	}
	return h, nil
}

// NaturalKey is the key derived for API_PUSH ingestion. The tenant is implied
// by the index's scoping.
func NaturalKey(datasetType, externalReferenceID string) string {
	return "natural:" + datasetType + ":" + externalReferenceID
}

// CallerKey prefixes a caller-supplied key so it can never collide with a
// derived natural key.
func CallerKey(key string) string {
	return "caller:" + key
}
