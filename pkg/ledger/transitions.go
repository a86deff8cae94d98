package ledger

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// change is what a single-record transition does to the record once the
// state machine has allowed it. A zero event means nothing changed.
type change struct {
	event   audit.EventType
	details map[string]string
}

type applyFunc func(rec *evidence.Record) (change, error)

// transition runs a single-record state change with idempotency, the mode
// gate and failure auditing.
func (l *Ledger) transition(
	ctx context.Context,
	c Caller,
	op string,
	recordID string,
	action evidence.Action,
	body any,
	prepare func(ctx context.Context) error,
	apply applyFunc,
) (res *RecordResult, err error) {
	ctx, done, err := l.begin(ctx, &c, op)
	defer func() { done(err) }()
	if err != nil {
		return nil, l.fail(ctx, c, op, recordID, err, true)
	}

	snap, err := l.load(ctx, c.TenantID, recordID)
	if err != nil {
		return nil, l.fail(ctx, c, op, recordID, err, true)
	}
	gateErr := l.checkGate(c, op, snap.Provenance.CreatedVia, snap.Declaration.EffectiveOrigin())
	if action == evidence.ActionQuarantine || action == evidence.ActionReject {
		gateErr = l.checkCaller(c, op)
	}
	if gateErr != nil {
		return nil, l.fail(ctx, c, op, recordID, gateErr, true)
	}

	// Refuse on the snapshot before any external I/O; the section re-checks.
	precheck := func(ctx context.Context) error {
		if _, err := evidence.Transition(snap, action); err != nil {
			return err
		}
		if prepare != nil {
			return prepare(ctx)
		}
		return nil
	}

	spec := idemSpec{op: op, target: recordID, body: body, keys: callerKeys(c), status: http.StatusOK}
	res, err = mutate(ctx, l, c, spec, precheck, func(ctx context.Context, tx store.Tx) (*RecordResult, string, error) {
		rec, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return nil, "", err
		}
		out, err := evidence.Transition(rec, action)
		if err != nil {
			return nil, "", err
		}
		if out.Noop {
			return &RecordResult{Record: rec, CorrelationID: c.CorrelationID}, rec.RecordID, nil
		}
		ch, err := apply(rec)
		if err != nil {
			return nil, "", err
		}
		if ch.event == "" {
			return &RecordResult{Record: rec, CorrelationID: c.CorrelationID}, rec.RecordID, nil
		}
		now := l.now()
		rec.Status = out.Next
		rec.UpdatedAtUTC = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return nil, "", err
		}
		if _, err := l.chain.Append(ctx, c.TenantID, tx, audit.Event{
			RecordID:      rec.RecordID,
			EventType:     ch.event,
			Actor:         actorOf(c),
			TimestampUTC:  now,
			CorrelationID: c.CorrelationID,
			Details:       ch.details,
		}); err != nil {
			return nil, "", err
		}
		return &RecordResult{Record: rec, CorrelationID: c.CorrelationID}, rec.RecordID, nil
	})
	if err != nil {
		return nil, l.fail(ctx, c, op, recordID, err, true)
	}
	return res, nil
}

// RejectRequest carries the closed-vocabulary reason for a rejection.
type RejectRequest struct {
	ReasonCode evidence.RejectionCode `json:"reason_code"`
	Comment    string                 `json:"comment,omitempty"`
}

// Reject moves an INGESTED record to REJECTED.
func (l *Ledger) Reject(ctx context.Context, c Caller, recordID string, req RejectRequest) (*RecordResult, error) {
	return l.transition(ctx, c, "reject", recordID, evidence.ActionReject, req, nil,
		func(rec *evidence.Record) (change, error) {
			switch {
			case req.ReasonCode == "":
				return change{}, fieldError(CodeValidationFailed, "a rejection reason is required", []evidence.FieldError{{
					Field: "reason_code", Kind: evidence.KindMissing, Message: "is required",
				}})
			case !req.ReasonCode.Valid():
				return change{}, fieldError(CodeValidationFailed, "unknown rejection reason", []evidence.FieldError{{
					Field: "reason_code", Kind: evidence.KindInvalidValue, Message: "is not a supported rejection reason",
				}})
			}
			rec.RejectionReasonCode = req.ReasonCode
			details := map[string]string{"reason_code": string(req.ReasonCode)}
			if req.Comment != "" {
				details["comment"] = req.Comment
			}
			return change{event: audit.EventRejected, details: details}, nil
		})
}

// QuarantineRequest explains an administrative quarantine.
type QuarantineRequest struct {
	Reason string `json:"reason"`
}

const defaultQuarantineReason = "administrative quarantine"

// Quarantine flags a record so it drops out of default listings and every
// compliance aggregate. Quarantining a quarantined record is a no-op success.
func (l *Ledger) Quarantine(ctx context.Context, c Caller, recordID string, req QuarantineRequest) (*RecordResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultQuarantineReason
	}
	return l.transition(ctx, c, "quarantine", recordID, evidence.ActionQuarantine, req, nil,
		func(rec *evidence.Record) (change, error) {
			rec.QuarantineReason = reason
			return change{event: audit.EventQuarantined, details: map[string]string{
				"reason":          reason,
				"previous_status": string(rec.Status),
			}}, nil
		})
}

// AmendRequest replaces the declaration and/or payload of an unsealed record.
// Nil or empty fields are left as they are.
type AmendRequest struct {
	Declaration       *evidence.Declaration `json:"declaration,omitempty"`
	Payload           []byte                `json:"payload,omitempty"`
	PayloadStorageURI string                `json:"payload_storage_uri,omitempty"`
}

// Amend edits an INGESTED record. Sealed content is immutable: any record
// with sealed_at_utc set is refused with SEALED_IMMUTABLE and left untouched.
func (l *Ledger) Amend(ctx context.Context, c Caller, recordID string, req AmendRequest) (*RecordResult, error) {
	uri := req.PayloadStorageURI
	prepare := func(ctx context.Context) error {
		if len(req.Payload) == 0 {
			if uri != "" && !l.blobs.Owns(c.TenantID, uri) {
				return fieldError(CodeValidationFailed, "payload reference is invalid", []evidence.FieldError{foreignPayload()})
			}
			return nil
		}
		stored, err := l.blobs.Put(ctx, c.TenantID, req.Payload)
		if err != nil {
			return err
		}
		uri = stored
		return nil
	}
	return l.transition(ctx, c, "amend", recordID, evidence.ActionAmend, req, prepare,
		func(rec *evidence.Record) (change, error) {
			var changed []string
			if req.Declaration != nil {
				next := *req.Declaration
				if err := l.checkGate(c, "amend", rec.Provenance.CreatedVia, next.EffectiveOrigin()); err != nil {
					return change{}, err
				}
				fields := evidence.ValidateDeclaration(next, l.now())
				if next.DatasetType != rec.Declaration.DatasetType {
					fields = append(fields, evidence.FieldError{
						Field: "dataset_type", Kind: evidence.KindInvalidValue, Message: "cannot be changed; supersede instead",
					})
				}
				if rec.Declaration.IngestionMethod == evidence.MethodAPIPush &&
					(next.IngestionMethod != rec.Declaration.IngestionMethod ||
						next.ExternalReferenceID != rec.Declaration.ExternalReferenceID) {
					fields = append(fields, evidence.FieldError{
						Field: "external_reference_id", Kind: evidence.KindInvalidValue, Message: "the natural key of an API_PUSH record cannot be changed",
					})
				}
				if len(fields) > 0 {
					return change{}, fieldError(CodeValidationFailed, "amended declaration is invalid", fields)
				}
				rec.Declaration = next
				changed = append(changed, "declaration")
			}
			if uri != "" && uri != rec.PayloadStorageURI {
				rec.PayloadStorageURI = uri
				changed = append(changed, "payload_storage_uri")
			}
			if len(changed) == 0 {
				return change{}, nil
			}
			return change{event: audit.EventAmended, details: map[string]string{
				"fields": strings.Join(changed, ","),
			}}, nil
		})
}

// ProvenanceCorrection supplies missing provenance fields.
type ProvenanceCorrection struct {
	CreatedVia       evidence.CreatedVia `json:"created_via,omitempty"`
	CreatedByActorID string              `json:"created_by_actor_id,omitempty"`
	RequestID        string              `json:"request_id,omitempty"`
	IngestedAtUTC    *time.Time          `json:"ingested_at_utc,omitempty"`
}

// CorrectProvenance fills provenance fields that are missing. Present values
// are never overwritten. Once complete, the record counts toward compliance
// aggregates again unless it is quarantined. Legal in every state because
// provenance is not part of the sealed content.
func (l *Ledger) CorrectProvenance(ctx context.Context, c Caller, recordID string, req ProvenanceCorrection) (*RecordResult, error) {
	return l.transition(ctx, c, "correct_provenance", recordID, evidence.ActionCorrectProvenance, req, nil,
		func(rec *evidence.Record) (change, error) {
			if req.CreatedVia != "" && !req.CreatedVia.Valid() {
				return change{}, fieldError(CodeValidationFailed, "invalid provenance", []evidence.FieldError{{
					Field: "created_via", Kind: evidence.KindInvalidValue, Message: "is not a supported channel",
				}})
			}
			p := &rec.Provenance
			var filled []string
			if !p.CreatedVia.Valid() && req.CreatedVia != "" {
				p.CreatedVia = req.CreatedVia
				filled = append(filled, "created_via")
			}
			if p.CreatedByActorID == "" && req.CreatedByActorID != "" {
				p.CreatedByActorID = req.CreatedByActorID
				filled = append(filled, "created_by_actor_id")
			}
			if p.RequestID == "" && req.RequestID != "" {
				p.RequestID = req.RequestID
				filled = append(filled, "request_id")
			}
			if p.IngestedAtUTC.IsZero() && req.IngestedAtUTC != nil {
				p.IngestedAtUTC = req.IngestedAtUTC.UTC()
				filled = append(filled, "ingested_at_utc")
			}
			wasIncomplete := rec.ProvenanceIncomplete
			rec.ProvenanceIncomplete = !p.Complete()
			if len(filled) == 0 && wasIncomplete == rec.ProvenanceIncomplete {
				return change{}, nil
			}
			return change{event: audit.EventProvenanceCorrected, details: map[string]string{
				"filled":                strings.Join(filled, ","),
				"provenance_incomplete": boolString(rec.ProvenanceIncomplete),
			}}, nil
		})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
