package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
)

func newPostgresMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DialectPostgres), mock
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	lite := NewSQLStore(nil, DialectSQLite)
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgres_UpdateTakesTenantLock(t *testing.T) {
	s, mock := newPostgresMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("acme").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tenant_counters")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"display_seq"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence_records")).
		WithArgs("r1", "acme", int64(7), "EV-000007", "INGESTED", "CERTIFICATE", "natural:CERTIFICATE:x", false, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
		seq, err := tx.NextDisplaySeq(ctx)
		if err != nil {
			return err
		}
		return tx.InsertRecord(ctx, &evidence.Record{
			RecordID:    "r1",
			DisplayID:   FormatDisplayID(seq),
			Status:      evidence.StatusIngested,
			Declaration: evidence.Declaration{DatasetType: evidence.DatasetCertificate},
		}, "natural:CERTIFICATE:x")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationMapsToDuplicate(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_entries")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.Update(context.Background(), "acme", func(ctx context.Context, tx Tx) error {
		return tx.PutIdempotency(ctx, &idempotency.Entry{Key: "caller:k", CreatedAt: time.Now()})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockFailureAborts(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	called := false
	err := s.Update(context.Background(), "acme", func(context.Context, Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateRecordVersionMismatch(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evidence_records")).
		WithArgs("SEALED", "CERTIFICATE", false, int64(4), sqlmock.AnyArg(), "acme", "r1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body, version FROM evidence_records WHERE tenant_id = $1 AND record_id = $2")).
		WithArgs("acme", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "version"}).AddRow(`{"record_id":"r1"}`, 5))
	mock.ExpectRollback()

	err := s.Update(context.Background(), "acme", func(ctx context.Context, tx Tx) error {
		return tx.UpdateRecord(ctx, &evidence.Record{
			RecordID:    "r1",
			Status:      evidence.StatusSealed,
			Declaration: evidence.Declaration{DatasetType: evidence.DatasetCertificate},
			Version:     3,
		})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetIdempotencyMissing(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_entries WHERE tenant_id = $1 AND idem_key = $2")).
		WithArgs("acme", "caller:k").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "fingerprint", "record_id", "status", "response", "created_at"}))

	e, err := s.GetIdempotency(context.Background(), "acme", "caller:k")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}
