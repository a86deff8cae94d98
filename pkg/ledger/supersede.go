package ledger

import (
	"context"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/hashing"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// SupersedeRequest describes the replacement record. A nil Declaration
// carries the old record's declaration over unchanged.
type SupersedeRequest struct {
	Declaration       *evidence.Declaration `json:"declaration,omitempty"`
	Payload           []byte                `json:"payload,omitempty"`
	PayloadStorageURI string                `json:"payload_storage_uri,omitempty"`
	CreatedVia        evidence.CreatedVia   `json:"created_via,omitempty"`
	Reason            string                `json:"reason,omitempty"`
}

// SupersedeResult links the old and new records.
type SupersedeResult struct {
	OldID         string           `json:"old_id"`
	NewID         string           `json:"new_id"`
	Record        *evidence.Record `json:"record"`
	CorrelationID string           `json:"correlation_id"`
}

// Supersede replaces a SEALED record: the new INGESTED record and the old
// record's flip to SUPERSEDED commit together or not at all.
func (l *Ledger) Supersede(ctx context.Context, c Caller, oldID string, req SupersedeRequest) (res *SupersedeResult, err error) {
	ctx, done, err := l.begin(ctx, &c, "supersede")
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, "supersede", oldID, err, true)
	}

	old, err := l.load(ctx, c.TenantID, oldID)
	if err != nil {
		return nil, l.fail(ctx, c, "supersede", oldID, err, true)
	}
	decl := old.Declaration
	if req.Declaration != nil {
		decl = *req.Declaration
	}
	via := req.CreatedVia
	if via == "" {
		via = evidence.CreatedViaAPI
	}
	if err := l.checkGate(c, "supersede", via, decl.EffectiveOrigin()); err != nil {
		return nil, l.fail(ctx, c, "supersede", oldID, err, true)
	}

	fpBody := struct {
		Declaration       evidence.Declaration `json:"declaration"`
		PayloadSHA256     string               `json:"payload_sha256,omitempty"`
		PayloadStorageURI string               `json:"payload_storage_uri,omitempty"`
		CreatedVia        evidence.CreatedVia  `json:"created_via"`
		Reason            string               `json:"reason,omitempty"`
	}{Declaration: decl, PayloadStorageURI: req.PayloadStorageURI, CreatedVia: via, Reason: req.Reason}
	if len(req.Payload) > 0 {
		fpBody.PayloadSHA256 = hashing.HashPayload(req.Payload)
		fpBody.PayloadStorageURI = ""
	}

	uri := req.PayloadStorageURI
	prepare := func(ctx context.Context) error {
		if _, err := evidence.Transition(old, evidence.ActionSupersede); err != nil {
			return err
		}
		fields := evidence.ValidateDeclaration(decl, l.now())
		if decl.DatasetType != old.Declaration.DatasetType {
			fields = append(fields, evidence.FieldError{
				Field: "declaration.dataset_type", Kind: evidence.KindInvalidValue, Message: "must match the superseded record",
			})
		}
		if !via.Valid() {
			fields = append(fields, evidence.FieldError{
				Field: "created_via", Kind: evidence.KindInvalidValue, Message: "is not a supported channel",
			})
		}
		if len(req.Payload) == 0 && strings.TrimSpace(req.PayloadStorageURI) == "" {
			fields = append(fields, evidence.FieldError{
				Field: "payload", Kind: evidence.KindMissing, Message: "a replacement payload is required",
			})
		} else if len(req.Payload) == 0 && !l.blobs.Owns(c.TenantID, req.PayloadStorageURI) {
			fields = append(fields, foreignPayload())
		}
		if len(fields) > 0 {
			return fieldError(CodeValidationFailed, "replacement is invalid", fields)
		}
		if len(req.Payload) > 0 {
			stored, err := l.blobs.Put(ctx, c.TenantID, req.Payload)
			if err != nil {
				return err
			}
			uri = stored
		}
		return nil
	}

	spec := idemSpec{op: "supersede", target: oldID, body: fpBody, keys: callerKeys(c), status: http.StatusCreated}
	res, err = mutate(ctx, l, c, spec, prepare, func(ctx context.Context, tx store.Tx) (*SupersedeResult, string, error) {
		prev, err := tx.GetRecord(ctx, oldID)
		if err != nil {
			return nil, "", err
		}
		out, err := evidence.Transition(prev, evidence.ActionSupersede)
		if err != nil {
			return nil, "", err
		}
		next, err := l.insertRecord(ctx, tx, c, decl, uri, via, prev.RecordID, "")
		if err != nil {
			return nil, "", err
		}

		now := l.now()
		prev.Status = out.Next
		prev.SupersededBy = next.RecordID
		prev.UpdatedAtUTC = now
		if err := tx.UpdateRecord(ctx, prev); err != nil {
			return nil, "", err
		}
		details := map[string]string{"superseded_by": next.RecordID}
		if req.Reason != "" {
			details["reason"] = req.Reason
		}
		if _, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
			RecordID:      prev.RecordID,
			EventType:     audit.EventSuperseded,
			Actor:         actorOf(c),
			TimestampUTC:  now,
			CorrelationID: c.CorrelationID,
			Details:       details,
		}); err != nil {
			return nil, "", err
		}
		return &SupersedeResult{
			OldID:         prev.RecordID,
			NewID:         next.RecordID,
			Record:        next,
			CorrelationID: c.CorrelationID,
		}, next.RecordID, nil
	})
	if err != nil {
		return nil, l.fail(ctx, c, "supersede", oldID, err, true)
	}
	return res, nil
}
