// Package api is the HTTP boundary of the evidence ledger. Errors are
// rendered as RFC 7807 problem details extended with the ledger's stable
// code, correlation id and field-level detail.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/ledger"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`

	Code          ledger.Code           `json:"code"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Errors        []evidence.FieldError `json:"errors,omitempty"`
	CurrentState  evidence.Status       `json:"current_state,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Detail)
}

func problemType(code ledger.Code) string {
	return "/errors/" + strings.ToLower(strings.ReplaceAll(string(code), "_", "-"))
}

// WriteProblem writes p as application/problem+json. Missing type, title and
// correlation id are filled from the code, status and X-Request-ID.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Code)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if p.CorrelationID == "" {
		p.CorrelationID = w.Header().Get("X-Request-ID")
	}
	if r != nil && p.Instance == "" {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem for a code with its fixed status.
func WriteError(w http.ResponseWriter, r *http.Request, code ledger.Code, detail string) {
	WriteProblem(w, r, &ProblemDetail{Status: code.Status(), Code: code, Detail: detail})
}

// WriteLedgerError renders an error returned by a ledger operation. Anything
// that is not a *ledger.Error is treated as internal.
func WriteLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		WriteInternal(w, r, err)
		return
	}
	detail := le.Message
	if le.Code == ledger.CodeInternal {
		detail = internalDetail
	}
	WriteProblem(w, r, &ProblemDetail{
		Status:        le.Status,
		Code:          le.Code,
		Detail:        detail,
		CorrelationID: le.CorrelationID,
		Errors:        le.Fields,
		CurrentState:  le.CurrentState,
	})
}

// WriteInvalidJSON writes a 400 for an undecodable body.
func WriteInvalidJSON(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, ledger.CodeInvalidJSON, "request body is not valid JSON: "+err.Error())
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, ledger.CodeUnauthenticated, detail)
}

// WriteNotFound writes a 404 for unknown routes.
func WriteNotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, ledger.CodeNotFound, "no such resource")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, ledger.CodeRateLimited, "Rate limit exceeded. Retry after the specified interval.")
}

const internalDetail = "An unexpected error occurred. Please try again later."

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, r, ledger.CodeInternal, internalDetail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
