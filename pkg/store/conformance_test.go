package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
}

func newRecord(tx Tx, ctx context.Context, id string, status evidence.Status) (*evidence.Record, error) {
	seq, err := tx.NextDisplaySeq(ctx)
	if err != nil {
		return nil, err
	}
	return &evidence.Record{
		RecordID:  id,
		DisplayID: FormatDisplayID(seq),
		Status:    status,
		Declaration: evidence.Declaration{
			DatasetType: evidence.DatasetCertificate,
			PurposeTags: []string{"cbam"},
			Attributes:  map[string]any{"issuer": "TUV"},
		},
		Provenance: evidence.Provenance{
			CreatedVia:    evidence.CreatedViaAPI,
			IngestedAtUTC: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}, nil
}

func insert(t *testing.T, s Store, tenant, id string, status evidence.Status, naturalKey string) {
	t.Helper()
	err := s.Update(context.Background(), tenant, func(ctx context.Context, tx Tx) error {
		rec, err := newRecord(tx, ctx, id, status)
		if err != nil {
			return err
		}
		return tx.InsertRecord(ctx, rec, naturalKey)
	})
	require.NoError(t, err)
}

func TestStore_InsertGetUpdate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		insert(t, s, "acme", "r1", evidence.StatusIngested, "")

		got, err := s.GetRecord(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantID)
		assert.Equal(t, "EV-000001", got.DisplayID)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "TUV", got.Declaration.Attributes["issuer"])

		err = s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			rec, err := tx.GetRecord(ctx, "r1")
			if err != nil {
				return err
			}
			rec.Status = evidence.StatusSealed
			return tx.UpdateRecord(ctx, rec)
		})
		require.NoError(t, err)

		got, err = s.GetRecord(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, evidence.StatusSealed, got.Status)
		assert.Equal(t, int64(2), got.Version)

		_, err = s.GetRecord(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_TxIsTenantScoped(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		insert(t, s, "acme", "r1", evidence.StatusIngested, "")
		err := s.Update(context.Background(), "globex", func(ctx context.Context, tx Tx) error {
			_, err := tx.GetRecord(ctx, "r1")
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_StaleVersionConflicts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		insert(t, s, "acme", "r1", evidence.StatusIngested, "")
		err := s.Update(context.Background(), "acme", func(ctx context.Context, tx Tx) error {
			rec, err := tx.GetRecord(ctx, "r1")
			if err != nil {
				return err
			}
			rec.Version = 7
			return tx.UpdateRecord(ctx, rec)
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestStore_RollbackOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		chain := audit.NewChain("")
		err := s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			rec, err := newRecord(tx, ctx, "r1", evidence.StatusIngested)
			if err != nil {
				return err
			}
			if err := tx.InsertRecord(ctx, rec, ""); err != nil {
				return err
			}
			if _, err := chain.Append(ctx, "acme", tx, audit.Event{RecordID: "r1", EventType: audit.EventIngested}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = s.GetRecord(ctx, "r1")
		assert.ErrorIs(t, err, ErrNotFound)
		events, err := s.ListEvents(ctx, "acme")
		require.NoError(t, err)
		assert.Empty(t, events)

		// The display sequence rolled back too.
		insert(t, s, "acme", "r2", evidence.StatusIngested, "")
		got, err := s.GetRecord(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, "EV-000001", got.DisplayID)
	})
}

func TestStore_NaturalKeyUnique(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		insert(t, s, "acme", "r1", evidence.StatusIngested, "natural:CERTIFICATE:ext-1")
		insert(t, s, "globex", "r2", evidence.StatusIngested, "natural:CERTIFICATE:ext-1")

		err := s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			rec, err := newRecord(tx, ctx, "r3", evidence.StatusIngested)
			if err != nil {
				return err
			}
			return tx.InsertRecord(ctx, rec, "natural:CERTIFICATE:ext-1")
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		err = s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			rec, err := tx.FindByNaturalKey(ctx, "natural:CERTIFICATE:ext-1")
			if err != nil {
				return err
			}
			assert.Equal(t, "r1", rec.RecordID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStore_ListFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		insert(t, s, "acme", "ingested", evidence.StatusIngested, "")
		insert(t, s, "acme", "sealed", evidence.StatusSealed, "")
		insert(t, s, "acme", "quarantined", evidence.StatusQuarantined, "")
		insert(t, s, "acme", "rejected", evidence.StatusRejected, "")
		insert(t, s, "globex", "foreign", evidence.StatusSealed, "")

		ids := func(f RecordFilter) []string {
			recs, err := s.ListRecords(ctx, "acme", f)
			require.NoError(t, err)
			out := make([]string, 0, len(recs))
			for _, r := range recs {
				out = append(out, r.RecordID)
			}
			return out
		}

		assert.Equal(t, []string{"ingested", "sealed", "rejected"}, ids(RecordFilter{}))
		assert.Equal(t, []string{"ingested", "sealed", "quarantined", "rejected"}, ids(RecordFilter{IncludeQuarantined: true}))
		assert.Equal(t, []string{"ingested", "sealed"}, ids(RecordFilter{ComplianceOnly: true}))
		assert.Equal(t, []string{"sealed"}, ids(RecordFilter{Statuses: []evidence.Status{evidence.StatusSealed}}))
		assert.Empty(t, ids(RecordFilter{Statuses: []evidence.Status{evidence.StatusQuarantined}}))
		assert.Equal(t, []string{"sealed"}, ids(RecordFilter{Limit: 1, Offset: 1}))
		assert.Equal(t, []string{"rejected"}, ids(RecordFilter{Offset: 2}))
		assert.Empty(t, ids(RecordFilter{DatasetType: evidence.DatasetTestReport}))

		tenants, err := s.Tenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, tenants)
	})
}

func TestStore_EventsAndIdempotency(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		chain := audit.NewChain("")
		for i := 0; i < 3; i++ {
			err := s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
				_, err := chain.Append(ctx, "acme", tx, audit.Event{
					RecordID:      fmt.Sprintf("r%d", i%2),
					EventType:     audit.EventIngested,
					CorrelationID: "corr-" + fmt.Sprint(i),
					Details:       map[string]string{"i": fmt.Sprint(i)},
				})
				return err
			})
			require.NoError(t, err)
		}

		events, err := s.ListEvents(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.True(t, chain.Verify("acme", events).Valid, "chain survives storage round trip")

		byRecord, err := s.EventsForRecord(ctx, "acme", "r0")
		require.NoError(t, err)
		assert.Len(t, byRecord, 2)

		byCorr, err := s.EventsByCorrelation(ctx, "acme", "corr-1")
		require.NoError(t, err)
		require.Len(t, byCorr, 1)
		assert.Equal(t, uint64(2), byCorr[0].Sequence)

		entry := &idempotency.Entry{Key: "caller:k", Operation: "ingest", Fingerprint: "fp", RecordID: "r0",
			Status: 201, Response: []byte(`{"record_id":"r0"}`), CreatedAt: time.Now()}
		require.NoError(t, s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			return tx.PutIdempotency(ctx, entry)
		}))
		err = s.Update(ctx, "acme", func(ctx context.Context, tx Tx) error {
			return tx.PutIdempotency(ctx, entry)
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		got, err := s.GetIdempotency(ctx, "acme", "caller:k")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "fp", got.Fingerprint)
		assert.JSONEq(t, `{"record_id":"r0"}`, string(got.Response))

		none, err := s.GetIdempotency(ctx, "globex", "caller:k")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestStore_ConcurrentAppendsStayLinear(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		chain := audit.NewChain("")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tenant := []string{"acme", "globex"}[i%2]
				err := s.Update(ctx, tenant, func(ctx context.Context, tx Tx) error {
					_, err := chain.Append(ctx, tenant, tx, audit.Event{RecordID: fmt.Sprintf("r%d", i), EventType: audit.EventIngested})
					return err
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		for _, tenant := range []string{"acme", "globex"} {
			events, err := s.ListEvents(ctx, tenant)
			require.NoError(t, err)
			assert.Len(t, events, 10)
			assert.True(t, chain.Verify(tenant, events).Valid)
		}
	})
}

func TestDisplayID(t *testing.T) {
	assert.Equal(t, "EV-000042", FormatDisplayID(42))
	assert.Equal(t, "EV-1234567", FormatDisplayID(1234567))
	seq, err := ParseDisplayID("EV-000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
	_, err = ParseDisplayID("nope")
	assert.Error(t, err)
}
