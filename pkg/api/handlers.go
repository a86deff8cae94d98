package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/ledger"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
)

// callerOr401 resolves the caller or writes UNAUTHENTICATED.
func (s *Server) callerOr401(w http.ResponseWriter, r *http.Request) (ledger.Caller, bool) {
	c, err := s.caller(r)
	if err != nil {
		WriteUnauthorized(w, r, "")
		return ledger.Caller{}, false
	}
	return c, true
}

// decode reads the JSON body of mutation op into v. An empty body is accepted
// when optional. A body that cannot be decoded is still recorded as a failed
// attempt in the caller's audit chain.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, c ledger.Caller, op string, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return true
	}
	if err != nil {
		s.svc.RecordFailure(r.Context(), c, op, r.PathValue("id"), ledger.CodeInvalidJSON)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, r, ledger.CodeInvalidJSON, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		WriteInvalidJSON(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness checks the backing services.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.IngestRequest
	if !s.decode(w, r, c, "ingest", &req, false) {
		return
	}
	res, err := s.svc.Ingest(r.Context(), c, req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// listFilter parses the List query string. Every bad parameter is reported.
func listFilter(r *http.Request) (store.RecordFilter, *ledger.Error) {
	q := r.URL.Query()
	var (
		f      store.RecordFilter
		fields []evidence.FieldError
	)
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, evidence.Status(strings.ToUpper(s)))
			}
		}
	}
	f.DatasetType = evidence.DatasetType(strings.ToUpper(q.Get("dataset_type")))

	parseBool := func(name string, dst *bool) {
		v := q.Get(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields = append(fields, evidence.FieldError{Field: name, Kind: evidence.KindInvalidValue, Message: "must be true or false"})
			return
		}
		*dst = b
	}
	parseInt := func(name string, dst *int) {
		v := q.Get(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			fields = append(fields, evidence.FieldError{Field: name, Kind: evidence.KindInvalidValue, Message: "must be an integer"})
			return
		}
		*dst = n
	}
	parseBool("include_quarantined", &f.IncludeQuarantined)
	parseBool("compliance_only", &f.ComplianceOnly)
	parseInt("limit", &f.Limit)
	parseInt("offset", &f.Offset)

	if len(fields) > 0 {
		e := ledger.NewError(ledger.CodeValidationFailed, "invalid query parameters")
		e.Fields = fields
		return f, e
	}
	return f, nil
}

type listResponse struct {
	Records []*evidence.Record `json:"records"`
	Count   int                `json:"count"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	f, perr := listFilter(r)
	if perr != nil {
		perr.CorrelationID = c.CorrelationID
		WriteLedgerError(w, r, perr)
		return
	}
	recs, err := s.svc.List(r.Context(), c, f)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	limit := f.Limit
	if limit == 0 {
		limit = ledger.DefaultListLimit
	}
	writeJSON(w, http.StatusOK, listResponse{Records: recs, Count: len(recs), Limit: limit, Offset: f.Offset})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Get(r.Context(), c, r.PathValue("id"))
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.AmendRequest
	if !s.decode(w, r, c, "amend", &req, false) {
		return
	}
	res, err := s.svc.Amend(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Seal(r.Context(), c, r.PathValue("id"))
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.RejectRequest
	if !s.decode(w, r, c, "reject", &req, false) {
		return
	}
	res, err := s.svc.Reject(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.QuarantineRequest
	if !s.decode(w, r, c, "quarantine", &req, true) {
		return
	}
	res, err := s.svc.Quarantine(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSupersede(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.SupersedeRequest
	if !s.decode(w, r, c, "supersede", &req, false) {
		return
	}
	res, err := s.svc.Supersede(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	var req ledger.ProvenanceCorrection
	if !s.decode(w, r, c, "correct_provenance", &req, false) {
		return
	}
	res, err := s.svc.CorrectProvenance(r.Context(), c, r.PathValue("id"), req)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type eventsResponse struct {
	RecordID      string         `json:"record_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Events        []*audit.Event `json:"events"`
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	evs, err := s.svc.AuditTrail(r.Context(), c, id)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{RecordID: id, Events: evs})
}

func (s *Server) handleEventsByCorrelation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("correlation_id")
	evs, err := s.svc.EventsByCorrelation(r.Context(), c, id)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{CorrelationID: id, Events: evs})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	res, err := s.svc.VerifyChain(r.Context(), c)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Backfill(r.Context(), c)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Counts(r.Context(), c)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.callerOr401(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Reconcile(r.Context(), c)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
