package ledger

import (
	"context"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/hashing"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// IngestRequest declares a new record. Payload bytes, when present, are
// written to blob storage and take precedence over PayloadStorageURI.
type IngestRequest struct {
	Declaration       evidence.Declaration `json:"declaration"`
	Payload           []byte               `json:"payload,omitempty"`
	PayloadStorageURI string               `json:"payload_storage_uri,omitempty"`
	CreatedVia        evidence.CreatedVia  `json:"created_via,omitempty"`
	IsTestRequest     bool                 `json:"is_test_request,omitempty"`
}

// RecordResult is the response of record-level mutations.
type RecordResult struct {
	Record        *evidence.Record `json:"record"`
	CorrelationID string           `json:"correlation_id"`
}

// Ingest creates an INGESTED record. Hashes stay null until Seal.
func (l *Ledger) Ingest(ctx context.Context, c Caller, req IngestRequest) (res *RecordResult, err error) {
	c.IsTestRequest = c.IsTestRequest || req.IsTestRequest
	ctx, done, err := l.begin(ctx, &c, "ingest")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "ingest", "", err, true)
	}

	via := req.CreatedVia
	if via == "" {
		via = evidence.CreatedViaAPI
	}
	if err := l.checkGate(c, "ingest", via, req.Declaration.EffectiveOrigin()); err != nil {
		return nil, l.fail(ctx, c, "ingest", "", err, true)
	}

	fields := evidence.ValidateDeclaration(req.Declaration, l.now())
	if !via.Valid() {
		fields = append(fields, evidence.FieldError{
			Field: "created_via", Kind: evidence.KindInvalidValue, Message: "is not a supported channel",
		})
	}
	if len(fields) > 0 {
		if len(req.Payload) == 0 && req.PayloadStorageURI != "" && !l.blobs.Owns(c.TenantID, req.PayloadStorageURI) {
			fields = append(fields, foreignPayload())
		}
		return nil, l.fail(ctx, c, "ingest", "", fieldError(ingestCode(fields), "declaration is invalid", fields), true)
	}
	if len(req.Payload) == 0 && req.PayloadStorageURI != "" && !l.blobs.Owns(c.TenantID, req.PayloadStorageURI) {
		return nil, l.fail(ctx, c, "ingest", "", fieldError(CodeValidationFailed, "payload reference is invalid",
			[]evidence.FieldError{foreignPayload()}), true)
	}

	keys := callerKeys(c)
	var naturalKey string
	if req.Declaration.IngestionMethod == evidence.MethodAPIPush {
		naturalKey = idempotency.NaturalKey(string(req.Declaration.DatasetType), req.Declaration.ExternalReferenceID)
		keys = append(keys, naturalKey)
	}

	fpBody := struct {
		Declaration       evidence.Declaration `json:"declaration"`
		PayloadSHA256     string               `json:"payload_sha256,omitempty"`
		PayloadStorageURI string               `json:"payload_storage_uri,omitempty"`
		CreatedVia        evidence.CreatedVia  `json:"created_via"`
	}{Declaration: req.Declaration, CreatedVia: via}
	if len(req.Payload) > 0 {
		fpBody.PayloadSHA256 = hashing.HashPayload(req.Payload)
	} else {
		fpBody.PayloadStorageURI = req.PayloadStorageURI
	}

	uri := req.PayloadStorageURI
	prepare := func(ctx context.Context) error {
		if len(req.Payload) == 0 {
			return nil
		}
		stored, err := l.blobs.Put(ctx, c.TenantID, req.Payload)
		if err != nil {
			return err
		}
		uri = stored
		return nil
	}

	res, err = mutate(ctx, l, c, idemSpec{op: "ingest", body: fpBody, keys: keys, status: http.StatusCreated}, prepare,
		func(ctx context.Context, tx store.Tx) (*RecordResult, string, error) {
			rec, err := l.insertRecord(ctx, tx, c, req.Declaration, uri, via, "", naturalKey)
			if err != nil {
				return nil, "", err
			}
			return &RecordResult{Record: rec, CorrelationID: c.CorrelationID}, rec.RecordID, nil
		})
	if err != nil {
		return nil, l.fail(ctx, c, "ingest", "", err, true)
	}
	return res, nil
}

// insertRecord creates a new INGESTED record and its INGESTED event.
func (l *Ledger) insertRecord(
	ctx context.Context,
	tx store.Tx,
	c Caller,
	decl evidence.Declaration,
	uri string,
	via evidence.CreatedVia,
	supersedes string,
	naturalKey string,
) (*evidence.Record, error) {
	seq, err := tx.NextDisplaySeq(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	requestID := c.IdempotencyKey
	if requestID == "" {
		requestID = c.CorrelationID
	}
	rec := &evidence.Record{
		RecordID:          l.newID(),
		DisplayID:         store.FormatDisplayID(seq),
		TenantID:          c.TenantID,
		Declaration:       decl,
		PayloadStorageURI: uri,
		Status:            evidence.StatusIngested,
		Supersedes:        supersedes,
		Provenance: evidence.Provenance{
			CreatedVia:       via,
			CreatedByActorID: c.ActorID,
			RequestID:        requestID,
			IngestedAtUTC:    now,
		},
		UpdatedAtUTC: now,
	}
	rec.ProvenanceIncomplete = !rec.Provenance.Complete()

	if err := tx.InsertRecord(ctx, rec, naturalKey); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errKeyConflict
		}
		return nil, err
	}
	details := map[string]string{"display_id": rec.DisplayID}
	if supersedes != "" {
		details["supersedes"] = supersedes
	}
	if _, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
		RecordID:      rec.RecordID,
		EventType:     audit.EventIngested,
		Actor:         actorOf(c),
		TimestampUTC:  now,
		CorrelationID: c.CorrelationID,
		Details:       details,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}
