package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
)

// Dialect selects SQL flavour differences.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	record_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	display_seq BIGINT NOT NULL,
	display_id TEXT NOT NULL,
	status TEXT NOT NULL,
	dataset_type TEXT NOT NULL,
	natural_key TEXT,
	provenance_incomplete BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (tenant_id, natural_key),
	UNIQUE (tenant_id, display_seq)
);
CREATE INDEX IF NOT EXISTS idx_evidence_records_tenant_status ON evidence_records (tenant_id, status);

CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	this_event_hash TEXT NOT NULL,
	body TEXT NOT NULL,
	UNIQUE (tenant_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_audit_events_record ON audit_events (tenant_id, record_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_correlation ON audit_events (tenant_id, correlation_id);

CREATE TABLE IF NOT EXISTS idempotency_entries (
	tenant_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	operation TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	record_id TEXT NOT NULL,
	status INTEGER NOT NULL,
	response TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, idem_key)
);

CREATE TABLE IF NOT EXISTS tenant_counters (
	tenant_id TEXT PRIMARY KEY,
	display_seq BIGINT NOT NULL
);
`

// SQLStore persists to SQLite (lite mode) or Postgres through database/sql.
//
// On Postgres each Update takes pg_advisory_xact_lock on the tenant, so
// writers of one tenant are serialised and other tenants proceed in parallel.
// SQLite has a single writer; an in-process per-tenant mutex plus an
// IMMEDIATE transaction give the same guarantees there.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	lockMu  sync.Mutex
	tenantL map[string]*sync.Mutex
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, tenantL: make(map[string]*sync.Mutex)}
}

// OpenSQLite opens (creating if needed) a SQLite database file in WAL mode.
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, DialectSQLite), nil
}

// OpenPostgres connects with lib/pq.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewSQLStore(db, DialectPostgres), nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) tenantMutex(tenantID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.tenantL[tenantID]
	if !ok {
		m = &sync.Mutex{}
		s.tenantL[tenantID] = m
	}
	return m
}

func (s *SQLStore) Update(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	if s.dialect == DialectSQLite {
		m := s.tenantMutex(tenantID)
		m.Lock()
		defer m.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tenantID); err != nil {
			return fmt.Errorf("store: tenant lock: %w", err)
		}
	}

	if err := fn(ctx, &sqlTx{s: s, tx: tx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) GetRecord(ctx context.Context, recordID string) (*evidence.Record, error) {
	return s.getRecord(ctx, s.db, "SELECT body, version FROM evidence_records WHERE record_id = ?", recordID)
}

func (s *SQLStore) getRecord(ctx context.Context, q queryer, query string, args ...any) (*evidence.Record, error) {
	var body string
	var version int64
	err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return decodeRecord(body, version)
}

func decodeRecord(body string, version int64) (*evidence.Record, error) {
	var rec evidence.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func (s *SQLStore) ListRecords(ctx context.Context, tenantID string, f RecordFilter) ([]*evidence.Record, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{tenantID}
	)
	if !f.IncludeQuarantined {
		where = append(where, "status <> ?")
		args = append(args, string(evidence.StatusQuarantined))
	}
	if f.ComplianceOnly {
		where = append(where, "status NOT IN (?, ?, ?)", "provenance_incomplete = ?")
		args = append(args, string(evidence.StatusQuarantined), string(evidence.StatusRejected), string(evidence.StatusSuperseded), false)
	}
	if f.DatasetType != "" {
		where = append(where, "dataset_type = ?")
		args = append(args, string(f.DatasetType))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	q := "SELECT body, version FROM evidence_records WHERE " + strings.Join(where, " AND ") + " ORDER BY display_seq"
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
		if f.Offset > 0 {
			q += " OFFSET " + strconv.Itoa(f.Offset)
		}
	} else if f.Offset > 0 {
		if s.dialect == DialectSQLite {
			q += " LIMIT -1"
		}
		q += " OFFSET " + strconv.Itoa(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*evidence.Record, 0)
	for rows.Next() {
		var body string
		var version int64
		if err := rows.Scan(&body, &version); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		rec, err := decodeRecord(body, version)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) queryEvents(ctx context.Context, q queryer, where string, args ...any) ([]*audit.Event, error) {
	rows, err := q.QueryContext(ctx, s.rebind("SELECT body FROM audit_events WHERE "+where+" ORDER BY sequence"), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*audit.Event, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var ev audit.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListEvents(ctx context.Context, tenantID string) ([]*audit.Event, error) {
	return s.queryEvents(ctx, s.db, "tenant_id = ?", tenantID)
}

func (s *SQLStore) EventsForRecord(ctx context.Context, tenantID, recordID string) ([]*audit.Event, error) {
	return s.queryEvents(ctx, s.db, "tenant_id = ? AND record_id = ?", tenantID, recordID)
}

func (s *SQLStore) EventsByCorrelation(ctx context.Context, tenantID, correlationID string) ([]*audit.Event, error) {
	return s.queryEvents(ctx, s.db, "tenant_id = ? AND correlation_id = ?", tenantID, correlationID)
}

func (s *SQLStore) GetIdempotency(ctx context.Context, tenantID, key string) (*idempotency.Entry, error) {
	return s.getIdempotency(ctx, s.db, tenantID, key)
}

func (s *SQLStore) getIdempotency(ctx context.Context, q queryer, tenantID, key string) (*idempotency.Entry, error) {
	var (
		e         = idempotency.Entry{TenantID: tenantID, Key: key}
		response  string
		createdAt string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT operation, fingerprint, record_id, status, response, created_at FROM idempotency_entries WHERE tenant_id = ? AND idem_key = ?"),
		tenantID, key,
	).Scan(&e.Operation, &e.Fingerprint, &e.RecordID, &e.Status, &response, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get idempotency: %w", err)
	}
	e.Response = json.RawMessage(response)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func (s *SQLStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tenant_id FROM evidence_records UNION SELECT tenant_id FROM audit_events ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("store: list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// isUniqueViolation recognises duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

type sqlTx struct {
	s        *SQLStore
	tx       *sql.Tx
	tenantID string
}

func (t *sqlTx) TenantID() string { return t.tenantID }

func (t *sqlTx) GetRecord(ctx context.Context, recordID string) (*evidence.Record, error) {
	return t.s.getRecord(ctx, t.tx,
		"SELECT body, version FROM evidence_records WHERE tenant_id = ? AND record_id = ?", t.tenantID, recordID)
}

func (t *sqlTx) FindByNaturalKey(ctx context.Context, naturalKey string) (*evidence.Record, error) {
	return t.s.getRecord(ctx, t.tx,
		"SELECT body, version FROM evidence_records WHERE tenant_id = ? AND natural_key = ?", t.tenantID, naturalKey)
}

func (t *sqlTx) InsertRecord(ctx context.Context, rec *evidence.Record, naturalKey string) error {
	rec.TenantID = t.tenantID
	rec.Version = 1
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	seq, err := ParseDisplayID(rec.DisplayID)
	if err != nil {
		return err
	}
	var nk any
	if naturalKey != "" {
		nk = naturalKey
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO evidence_records
		(record_id, tenant_id, display_seq, display_id, status, dataset_type, natural_key, provenance_incomplete, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RecordID, t.tenantID, seq, rec.DisplayID, string(rec.Status), string(rec.Declaration.DatasetType),
		nk, rec.ProvenanceIncomplete, rec.Version, string(body))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert record: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateRecord(ctx context.Context, rec *evidence.Record) error {
	prev := rec.Version
	next := *rec
	next.TenantID = t.tenantID
	next.Version = prev + 1
	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, t.s.rebind(`UPDATE evidence_records
		SET status = ?, dataset_type = ?, provenance_incomplete = ?, version = ?, body = ?
		WHERE tenant_id = ? AND record_id = ? AND version = ?`),
		string(next.Status), string(next.Declaration.DatasetType), next.ProvenanceIncomplete, next.Version, string(body),
		t.tenantID, rec.RecordID, prev)
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	if n == 0 {
		if _, err := t.GetRecord(ctx, rec.RecordID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	rec.Version = next.Version
	return nil
}

func (t *sqlTx) NextDisplaySeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, t.s.rebind(`INSERT INTO tenant_counters (tenant_id, display_seq) VALUES (?, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET display_seq = tenant_counters.display_seq + 1
		RETURNING display_seq`), t.tenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: next display seq: %w", err)
	}
	return seq, nil
}

func (t *sqlTx) GetIdempotency(ctx context.Context, key string) (*idempotency.Entry, error) {
	return t.s.getIdempotency(ctx, t.tx, t.tenantID, key)
}

func (t *sqlTx) PutIdempotency(ctx context.Context, e *idempotency.Entry) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO idempotency_entries
		(tenant_id, idem_key, operation, fingerprint, record_id, status, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.tenantID, e.Key, e.Operation, e.Fingerprint, e.RecordID, e.Status, string(e.Response),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: put idempotency: %w", err)
	}
	return nil
}

func (t *sqlTx) EventsForRecord(ctx context.Context, recordID string) ([]*audit.Event, error) {
	return t.s.queryEvents(ctx, t.tx, "tenant_id = ? AND record_id = ?", t.tenantID, recordID)
}

func (t *sqlTx) Head(ctx context.Context) (*audit.Event, error) {
	var body string
	err := t.tx.QueryRowContext(ctx, t.s.rebind(
		"SELECT body FROM audit_events WHERE tenant_id = ? ORDER BY sequence DESC LIMIT 1"), t.tenantID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: chain head: %w", err)
	}
	var ev audit.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("store: decode event: %w", err)
	}
	return &ev, nil
}

func (t *sqlTx) Insert(ctx context.Context, ev *audit.Event) error {
	if ev.TenantID != t.tenantID {
		return audit.ErrTenantMismatch
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(`INSERT INTO audit_events
		(event_id, tenant_id, record_id, sequence, event_type, correlation_id, this_event_hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.EventID, t.tenantID, ev.RecordID, int64(ev.Sequence), string(ev.EventType), ev.CorrelationID, ev.ThisEventHash, string(body))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// TamperEventBody rewrites a stored event's JSON body directly, bypassing the
// chain. Used by integrity tooling tests.
func (s *SQLStore) TamperEventBody(ctx context.Context, tenantID string, sequence uint64, mutate func(ev *audit.Event)) error {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT body FROM audit_events WHERE tenant_id = ? AND sequence = ?"),
		tenantID, int64(sequence)).Scan(&body)
	if err != nil {
		return err
	}
	var ev audit.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return err
	}
	mutate(&ev)
	nb, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind("UPDATE audit_events SET body = ? WHERE tenant_id = ? AND sequence = ?"),
		string(nb), tenantID, int64(sequence))
	return err
}
