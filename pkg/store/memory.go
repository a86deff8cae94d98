package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
)

// MemoryStore keeps everything in process. Each tenant is a shard with its own
// writer mutex; readers load an immutable snapshot and never block.
type MemoryStore struct {
	mu     sync.Mutex // guards shards map only
	shards map[string]*shard
	owners sync.Map // record id -> tenant id
}

type shard struct {
	write sync.Mutex
	snap  atomic.Pointer[snapshot]
}

// snapshot is never mutated once published. events is append-only and may
// share its backing array with newer snapshots; each snapshot reads only up
// to its own length.
type snapshot struct {
	records    map[string]*evidence.Record
	order      []string
	natural    map[string]string
	idem       map[string]*idempotency.Entry
	events     []*audit.Event
	displaySeq int64
}

func emptySnapshot() *snapshot {
	return &snapshot{
		records: map[string]*evidence.Record{},
		natural: map[string]string{},
		idem:    map[string]*idempotency.Entry{},
	}
}

func (s *snapshot) fork() *snapshot {
	next := &snapshot{
		records:    make(map[string]*evidence.Record, len(s.records)+1),
		order:      s.order,
		natural:    make(map[string]string, len(s.natural)),
		idem:       make(map[string]*idempotency.Entry, len(s.idem)),
		events:     s.events,
		displaySeq: s.displaySeq,
	}
	for k, v := range s.records {
		next.records[k] = v
	}
	for k, v := range s.natural {
		next.natural[k] = v
	}
	for k, v := range s.idem {
		next.idem[k] = v
	}
	return next
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[string]*shard)}
}

func (m *MemoryStore) shard(tenantID string, create bool) *shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shards[tenantID]
	if !ok && create {
		sh = &shard{}
		sh.snap.Store(emptySnapshot())
		m.shards[tenantID] = sh
	}
	return sh
}

func (m *MemoryStore) view(tenantID string) *snapshot {
	sh := m.shard(tenantID, false)
	if sh == nil {
		return emptySnapshot()
	}
	return sh.snap.Load()
}

// Update runs fn against a private fork of the tenant's snapshot and publishes
// it only if fn succeeds.
func (m *MemoryStore) Update(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	sh := m.shard(tenantID, true)
	sh.write.Lock()
	defer sh.write.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{tenantID: tenantID, snap: sh.snap.Load().fork()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	sh.snap.Store(tx.snap)
	for _, id := range tx.inserted {
		m.owners.Store(id, tenantID)
	}
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, recordID string) (*evidence.Record, error) {
	owner, ok := m.owners.Load(recordID)
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.view(owner.(string)).records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListRecords(_ context.Context, tenantID string, f RecordFilter) ([]*evidence.Record, error) {
	snap := m.view(tenantID)
	out := make([]*evidence.Record, 0)
	skipped := 0
	for _, id := range snap.order {
		rec := snap.records[id]
		if !f.Matches(rec) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, rec.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func copyEvents(evs []*audit.Event, keep func(*audit.Event) bool) []*audit.Event {
	out := make([]*audit.Event, 0)
	for _, ev := range evs {
		if keep == nil || keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) ListEvents(_ context.Context, tenantID string) ([]*audit.Event, error) {
	return copyEvents(m.view(tenantID).events, nil), nil
}

func (m *MemoryStore) EventsForRecord(_ context.Context, tenantID, recordID string) ([]*audit.Event, error) {
	return copyEvents(m.view(tenantID).events, func(ev *audit.Event) bool { return ev.RecordID == recordID }), nil
}

func (m *MemoryStore) EventsByCorrelation(_ context.Context, tenantID, correlationID string) ([]*audit.Event, error) {
	return copyEvents(m.view(tenantID).events, func(ev *audit.Event) bool { return ev.CorrelationID == correlationID }), nil
}

func (m *MemoryStore) GetIdempotency(_ context.Context, tenantID, key string) (*idempotency.Entry, error) {
	e, ok := m.view(tenantID).idem[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Tenants(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.shards))
	for id := range m.shards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// TamperEvent overwrites a stored event in place, bypassing the chain. It
// exists so integrity tooling can be exercised against a corrupted chain.
func (m *MemoryStore) TamperEvent(tenantID string, sequence uint64, mutate func(ev *audit.Event)) bool {
	sh := m.shard(tenantID, false)
	if sh == nil {
		return false
	}
	sh.write.Lock()
	defer sh.write.Unlock()
	snap := sh.snap.Load()
	for _, ev := range snap.events {
		if ev.Sequence == sequence {
			mutate(ev)
			return true
		}
	}
	return false
}

type memTx struct {
	tenantID string
	snap     *snapshot
	inserted []string
}

func (t *memTx) TenantID() string { return t.tenantID }

func (t *memTx) GetRecord(_ context.Context, recordID string) (*evidence.Record, error) {
	rec, ok := t.snap.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (t *memTx) FindByNaturalKey(_ context.Context, naturalKey string) (*evidence.Record, error) {
	id, ok := t.snap.natural[naturalKey]
	if !ok {
		return nil, ErrNotFound
	}
	return t.snap.records[id].Clone(), nil
}

func (t *memTx) InsertRecord(_ context.Context, rec *evidence.Record, naturalKey string) error {
	if _, exists := t.snap.records[rec.RecordID]; exists {
		return ErrDuplicate
	}
	if naturalKey != "" {
		if _, exists := t.snap.natural[naturalKey]; exists {
			return ErrDuplicate
		}
		t.snap.natural[naturalKey] = rec.RecordID
	}
	stored := rec.Clone()
	stored.TenantID = t.tenantID
	stored.Version = 1
	rec.Version = 1
	t.snap.records[rec.RecordID] = stored
	t.snap.order = append(t.snap.order, rec.RecordID)
	t.inserted = append(t.inserted, rec.RecordID)
	return nil
}

func (t *memTx) UpdateRecord(_ context.Context, rec *evidence.Record) error {
	cur, ok := t.snap.records[rec.RecordID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != rec.Version {
		return ErrConflict
	}
	stored := rec.Clone()
	stored.TenantID = t.tenantID
	stored.Version = cur.Version + 1
	rec.Version = stored.Version
	t.snap.records[rec.RecordID] = stored
	return nil
}

func (t *memTx) NextDisplaySeq(context.Context) (int64, error) {
	t.snap.displaySeq++
	return t.snap.displaySeq, nil
}

func (t *memTx) GetIdempotency(_ context.Context, key string) (*idempotency.Entry, error) {
	e, ok := t.snap.idem[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) PutIdempotency(_ context.Context, e *idempotency.Entry) error {
	if _, exists := t.snap.idem[e.Key]; exists {
		return ErrDuplicate
	}
	cp := *e
	cp.TenantID = t.tenantID
	t.snap.idem[e.Key] = &cp
	return nil
}

func (t *memTx) EventsForRecord(_ context.Context, recordID string) ([]*audit.Event, error) {
	return copyEvents(t.snap.events, func(ev *audit.Event) bool { return ev.RecordID == recordID }), nil
}

func (t *memTx) Head(context.Context) (*audit.Event, error) {
	if len(t.snap.events) == 0 {
		return nil, nil
	}
	cp := *t.snap.events[len(t.snap.events)-1]
	return &cp, nil
}

func (t *memTx) Insert(_ context.Context, ev *audit.Event) error {
	if ev.TenantID != t.tenantID {
		return audit.ErrTenantMismatch
	}
	cp := *ev
	t.snap.events = append(t.snap.events, &cp)
	return nil
}
