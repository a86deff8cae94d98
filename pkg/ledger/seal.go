package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/blob"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/hashing"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// SealResult is the response of Seal.
type SealResult struct {
	RecordID           string    `json:"record_id"`
	PayloadHashSHA256  string    `json:"payload_hash_sha256"`
	MetadataHashSHA256 string    `json:"metadata_hash_sha256"`
	SealedAtUTC        time.Time `json:"sealed_at_utc"`
	AuditEventCount    int       `json:"audit_event_count"`
	CorrelationID      string    `json:"correlation_id"`
}

// errPayloadMoved signals that the payload reference changed between the
// pre-read and the critical section.
var errPayloadMoved = errors.New("ledger: payload reference changed during seal")

const sealAttempts = 3

// Seal freezes an INGESTED record: it validates the full declaration and the
// dataset attributes, hashes the payload bytes fetched from blob storage and
// the canonical metadata, and appends the SEALED event, all in one unit.
func (l *Ledger) Seal(ctx context.Context, c Caller, recordID string) (res *SealResult, err error) {
	ctx, done, err := l.begin(ctx, &c, "seal")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "seal", recordID, err, true)
	}
	for attempt := 1; ; attempt++ {
		res, err = l.seal(ctx, c, recordID)
		if !errors.Is(err, errPayloadMoved) || attempt == sealAttempts {
			break
		}
	}
	if err != nil {
		return nil, l.fail(ctx, c, "seal", recordID, err, true)
	}
	return res, nil
}

func (l *Ledger) seal(ctx context.Context, c Caller, recordID string) (*SealResult, error) {
	snap, err := l.load(ctx, c.TenantID, recordID)
	if err != nil {
		return nil, err
	}
	if err := l.checkGate(c, "seal", snap.Provenance.CreatedVia, snap.Declaration.EffectiveOrigin()); err != nil {
		return nil, err
	}

	var (
		uri          = snap.PayloadStorageURI
		payloadHash  string
		payloadField *evidence.FieldError
	)
	prepare := func(ctx context.Context) error {
		// Refuse before touching blob storage; the section re-checks.
		if _, err := evidence.Transition(snap, evidence.ActionSeal); err != nil {
			return err
		}
		if uri == "" {
			return nil
		}
		data, err := l.blobs.Get(ctx, c.TenantID, uri)
		switch {
		case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrUnsupportedScheme), errors.Is(err, blob.ErrInvalidURI):
			payloadField = &evidence.FieldError{
				Field: "payload_storage_uri", Kind: evidence.KindInvalidValue, Message: "payload is not retrievable",
			}
			return nil
		case err != nil:
			return fmt.Errorf("ledger: fetch payload: %w", err)
		}
		payloadHash = hashing.HashPayload(data)
		return nil
	}

	spec := idemSpec{op: "seal", target: recordID, keys: callerKeys(c), status: http.StatusOK}
	return mutate(ctx, l, c, spec, prepare, func(ctx context.Context, tx store.Tx) (*SealResult, string, error) {
		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return nil, "", err
		}
		out, err := evidence.Transition(rec, evidence.ActionSeal)
		if err != nil {
			return nil, "", err
		}
		if rec.PayloadStorageURI != uri {
			return nil, "", errPayloadMoved
		}

		now := l.now()
		fields, err := evidence.ValidateForSeal(rec, now)
		if err != nil {
			return nil, "", err
		}
		if payloadField != nil {
			fields = append(fields, *payloadField)
		}
		if len(fields) > 0 {
			return nil, "", fieldError(CodeValidationFailed, "record cannot be sealed", fields)
		}

		metaHash, err := hashing.HashMetadata(rec.MetadataView())
		if err != nil {
			return nil, "", err
		}
		sealedAt := now.Truncate(time.Microsecond)
		rec.Status = out.Next
		rec.PayloadHashSHA256 = &payloadHash
		rec.MetadataHashSHA256 = &metaHash
		rec.SealedAtUTC = &sealedAt
		rec.UpdatedAtUTC = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return nil, "", err
		}
		if _, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
			RecordID:      rec.RecordID,
			EventType:     audit.EventSealed,
			Actor:         actorOf(c),
			TimestampUTC:  now,
			CorrelationID: c.CorrelationID,
			Details: map[string]string{
				"payload_hash_sha256":  payloadHash,
				"metadata_hash_sha256": metaHash,
			},
		}); err != nil {
			return nil, "", err
		}
		events, err := tx.EventsForRecord(ctx, rec.RecordID)
		if err != nil {
			return nil, "", err
		}
		return &SealResult{
			RecordID:           rec.RecordID,
			PayloadHashSHA256:  payloadHash,
			MetadataHashSHA256: metaHash,
			SealedAtUTC:        sealedAt,
			AuditEventCount:    len(events),
			CorrelationID:      c.CorrelationID,
		}, rec.RecordID, nil
	})
}
