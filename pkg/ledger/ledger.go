// Package ledger is the evidence ledger's orchestration layer. It binds the
// mode gate, idempotency index, hashing engine, state machine, tenant guard,
// store and audit chain into the public operations.
//
// Every mutation follows the same shape: policy checks and external I/O
// (payload bytes) happen first, then a single tenant-scoped store transaction
// re-reads the record, applies the transition, appends exactly one audit event
// per record transition and snapshots the response under its idempotency
// keys. Failures are returned as *Error and leave a best-effort ATTEMPT_FAILED
// event in the tenant's chain.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/blob"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/modegate"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/observability"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

// Caller is the authenticated context of one call.
type Caller struct {
	TenantID string
	ActorID  string
	// CorrelationID ties the response to its audit events. One is generated
	// when empty.
	CorrelationID  string
	IdempotencyKey string
	IsTestRequest  bool
}

// Ledger implements the evidence ledger operations.
type Ledger struct {
	store  store.Store
	blobs  blob.Store
	idem   *idempotency.Index
	chain  *audit.Chain
	gate   *modegate.Gate
	guard  *tenants.Guard
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithObservability(p *observability.Provider) Option {
	return func(l *Ledger) { l.obs = p }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New assembles a ledger.
func New(st store.Store, blobs blob.Store, idem *idempotency.Index, chain *audit.Chain, gate *modegate.Gate, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		blobs:  blobs,
		idem:   idem,
		chain:  chain,
		gate:   gate,
		obs:    observability.Disabled(),
		logger: slog.Default(),
		clock:  time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	l.guard = tenants.NewGuard(l.logger)
	return l
}

func (l *Ledger) now() time.Time { return l.clock().UTC() }

// begin normalises the caller and starts the operation's span.
func (l *Ledger) begin(ctx context.Context, c *Caller, op string) (context.Context, func(error), error) {
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	ctx, done := l.obs.TrackOperation(ctx, "ledger."+op,
		attribute.String("tenant_id", c.TenantID),
	)
	if err := tenants.ValidateID(c.TenantID); err != nil {
		return ctx, done, err
	}
	return ctx, done, nil
}

// fail converts err to *Error, stamps the correlation id and, for mutations,
// records the failed attempt in the tenant's chain.
func (l *Ledger) fail(ctx context.Context, c Caller, op, recordID string, err error, mutation bool) *Error {
	le := classify(err)
	out := *le
	out.CorrelationID = c.CorrelationID
	if out.Code == CodeInternal {
		l.logger.ErrorContext(ctx, "ledger operation failed",
			"operation", op,
			"tenant_id", c.TenantID,
			"record_id", recordID,
			"correlation_id", c.CorrelationID,
			"error", err,
		)
	}
	if mutation && out.Code != CodeUnauthenticated {
		l.recordAttempt(context.WithoutCancel(ctx), c, op, recordID, out.Code)
	}
	return &out
}

// RecordFailure writes a best-effort ATTEMPT_FAILED event for a mutation the
// caller's request never got through to the ledger, such as a body that is not
// valid JSON. Callers without a valid tenant are not recorded.
func (l *Ledger) RecordFailure(ctx context.Context, c Caller, op, recordID string, code Code) {
	if tenants.ValidateID(c.TenantID) != nil {
		return
	}
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	l.recordAttempt(context.WithoutCancel(ctx), c, op, recordID, code)
}

func (l *Ledger) recordAttempt(ctx context.Context, c Caller, op, recordID string, code Code) {
	err := l.store.Update(ctx, c.TenantID, func(ctx context.Context, tx store.Tx) error {
		_, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
			RecordID:      recordID,
			EventType:     audit.EventAttemptFailed,
			Actor:         actorOf(c),
			CorrelationID: c.CorrelationID,
			Details:       map[string]string{"operation": op, "code": string(code)},
		})
		return err
	})
	if err != nil {
		l.logger.WarnContext(ctx, "failed to record attempt", "operation", op, "tenant_id", c.TenantID, "error", err)
	}
}

func actorOf(c Caller) string {
	if c.ActorID == "" {
		return "anonymous"
	}
	return c.ActorID
}

func (l *Ledger) checkGate(c Caller, op string, via evidence.CreatedVia, origin evidence.Origin) error {
	return l.gate.Check(modegate.Request{
		TenantID:      c.TenantID,
		Operation:     op,
		Actor:         c.ActorID,
		IsTestRequest: c.IsTestRequest,
		CreatedVia:    via,
		Origin:        origin,
	})
}

// checkCaller applies only the QA-caller rule. The record's own channel is
// not the caller's, so it is left out of the policy input.
func (l *Ledger) checkCaller(c Caller, op string) error {
	return l.gate.CheckCaller(modegate.Request{
		TenantID:      c.TenantID,
		Operation:     op,
		Actor:         c.ActorID,
		IsTestRequest: c.IsTestRequest,
	})
}

// load reads a record outside any transaction and applies the tenant guard.
func (l *Ledger) load(ctx context.Context, tenantID, recordID string) (*evidence.Record, error) {
	rec, err := l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return l.guard.Scope(tenantID, rec)
}

// idemSpec describes how a mutation is identified for replay.
type idemSpec struct {
	op     string
	target string
	body   any
	keys   []string
	status int
}

func callerKeys(c Caller) []string {
	if c.IdempotencyKey == "" {
		return nil
	}
	return []string{idempotency.CallerKey(c.IdempotencyKey)}
}

var (
	errKeyConflict = NewError(CodeIdempotencyKeyConflict, "idempotency key was already used for a different request")
	errKeyInFlight = NewError(CodeIdempotencyKeyInFlight, "another request with this idempotency key is in progress")
)

// mutate runs exec inside the tenant's critical section with idempotency.
// prepare, if set, runs after the key is reserved and before the section;
// it is where blocking external I/O belongs. exec returns the response and
// the id of the record it is about.
func mutate[T any](
	ctx context.Context,
	l *Ledger,
	c Caller,
	spec idemSpec,
	prepare func(ctx context.Context) error,
	exec func(ctx context.Context, tx store.Tx) (T, string, error),
) (T, error) {
	var zero T

	var fp string
	if len(spec.keys) > 0 {
		var err error
		if fp, err = idempotency.Fingerprint(spec.op, spec.target, spec.body); err != nil {
			return zero, err
		}
		res, err := l.idem.Begin(ctx, c.TenantID, spec.keys, fp, l.store.GetIdempotency)
		if err != nil {
			return zero, err
		}
		switch res.Decision {
		case idempotency.DecisionReplay:
			return decodeSnapshot[T](res.Entry)
		case idempotency.DecisionConflict:
			return zero, errKeyConflict
		case idempotency.DecisionInFlight:
			return zero, errKeyInFlight
		}
		defer l.idem.Release(context.WithoutCancel(ctx), res.Claim)
	}

	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return zero, err
		}
	}

	var (
		out    T
		replay *idempotency.Entry
	)
	err := l.store.Update(ctx, c.TenantID, func(ctx context.Context, tx store.Tx) error {
		if len(spec.keys) > 0 {
			lookup := func(ctx context.Context, _ string, key string) (*idempotency.Entry, error) {
				return tx.GetIdempotency(ctx, key)
			}
			e, decision, err := idempotency.Match(ctx, c.TenantID, spec.keys, fp, lookup)
			if err != nil {
				return err
			}
			switch decision {
			case idempotency.DecisionReplay:
				replay = e
				return nil
			case idempotency.DecisionConflict:
				return errKeyConflict
			}
		}

		res, recordID, err := exec(ctx, tx)
		if err != nil {
			return err
		}
		if len(spec.keys) > 0 {
			snapshot, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("ledger: snapshot response: %w", err)
			}
			for _, key := range spec.keys {
				if err := tx.PutIdempotency(ctx, &idempotency.Entry{
					Key:         key,
					Operation:   spec.op,
					Fingerprint: fp,
					RecordID:    recordID,
					Status:      spec.status,
					Response:    snapshot,
					CreatedAt:   l.now(),
				}); err != nil {
					return fmt.Errorf("ledger: store idempotency entry: %w", err)
				}
			}
		}
		out = res
		return nil
	})
	if err != nil {
		return zero, err
	}
	if replay != nil {
		return decodeSnapshot[T](replay)
	}
	return out, nil
}

func decodeSnapshot[T any](e *idempotency.Entry) (T, error) {
	var v T
	if err := json.Unmarshal(e.Response, &v); err != nil {
		return v, fmt.Errorf("ledger: decode snapshot for %q: %w", e.Key, err)
	}
	return v, nil
}
