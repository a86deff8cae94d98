package ledger

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/blob"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/evidence"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/modegate"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

// Code is a stable, caller-facing error code.
type Code string

const (
	CodeInvalidJSON              Code = "INVALID_JSON"
	CodeMissingRequiredMetadata  Code = "MISSING_REQUIRED_METADATA"
	CodeInvalidRetentionOrDate   Code = "INVALID_RETENTION_OR_DATE"
	CodeUnsupportedCombination   Code = "UNSUPPORTED_METHOD_DATASET_COMBINATION"
	CodeUnsupportedSchemaVersion Code = "UNSUPPORTED_SCHEMA_VERSION"
	CodeValidationFailed         Code = "VALIDATION_FAILED"
	CodeAlreadySealed            Code = "ALREADY_SEALED"
	CodeSealedImmutable          Code = "SEALED_IMMUTABLE"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeQABlockedInLive          Code = modegate.CodeQABlockedInLive
	CodeFixtureBlockedInLive     Code = modegate.CodeFixtureBlockedInLive
	CodeIdempotencyKeyConflict   Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeIdempotencyKeyInFlight   Code = "IDEMPOTENCY_KEY_IN_FLIGHT"
	CodeUnauthenticated          Code = "UNAUTHENTICATED"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeInternal                 Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	CodeInvalidJSON:              http.StatusBadRequest,
	CodeMissingRequiredMetadata:  http.StatusUnprocessableEntity,
	CodeInvalidRetentionOrDate:   http.StatusUnprocessableEntity,
	CodeUnsupportedCombination:   http.StatusUnprocessableEntity,
	CodeUnsupportedSchemaVersion: http.StatusUnprocessableEntity,
	CodeValidationFailed:         http.StatusUnprocessableEntity,
	CodeAlreadySealed:            http.StatusConflict,
	CodeSealedImmutable:          http.StatusConflict,
	CodeInvalidTransition:        http.StatusConflict,
	CodeNotFound:                 http.StatusNotFound,
	CodeQABlockedInLive:          http.StatusForbidden,
	CodeFixtureBlockedInLive:     http.StatusForbidden,
	CodeIdempotencyKeyConflict:   http.StatusConflict,
	CodeIdempotencyKeyInFlight:   http.StatusConflict,
	CodeUnauthenticated:          http.StatusUnauthorized,
	CodeRateLimited:              http.StatusTooManyRequests,
	CodeInternal:                 http.StatusInternalServerError,
}

// Status returns the HTTP-equivalent status of c.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the typed failure every ledger operation returns.
type Error struct {
	Code          Code                  `json:"code"`
	Status        int                   `json:"status"`
	Message       string                `json:"message"`
	Fields        []evidence.FieldError `json:"errors,omitempty"`
	CurrentState  evidence.Status       `json:"current_state,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ledger: %s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an *Error with the status implied by code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Status: code.Status(), Message: message}
}

func fieldError(code Code, message string, fields []evidence.FieldError) *Error {
	e := NewError(code, message)
	e.Fields = fields
	return e
}

// foreignPayload is the field error for a payload_storage_uri outside the
// caller's key space. It says nothing about whether the blob exists.
func foreignPayload() evidence.FieldError {
	return evidence.FieldError{
		Field: "payload_storage_uri", Kind: evidence.KindInvalidValue,
		Message: "must reference a payload stored for this tenant",
	}
}

// ingestCode picks the code for a failed ingest validation. Every field is
// still reported; the code reflects the most fundamental class present.
func ingestCode(fields []evidence.FieldError) Code {
	has := func(kinds ...evidence.Kind) bool {
		for _, f := range fields {
			for _, k := range kinds {
				if f.Kind == k {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has(evidence.KindMissing, evidence.KindInvalidValue):
		return CodeMissingRequiredMetadata
	case has(evidence.KindUnsupportedSchemaVersion):
		return CodeUnsupportedSchemaVersion
	case has(evidence.KindInvalidRetentionOrDate):
		return CodeInvalidRetentionOrDate
	case has(evidence.KindUnsupportedCombination):
		return CodeUnsupportedCombination
	}
	return CodeValidationFailed
}

// classify converts any error from the layers below into an *Error. Unknown
// errors become INTERNAL with a sanitized message; the cause stays attached
// for logging.
func classify(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}

	var te *evidence.TransitionError
	if errors.As(err, &te) {
		code := CodeInvalidTransition
		switch te.Refusal {
		case evidence.RefusalAlreadySealed:
			code = CodeAlreadySealed
		case evidence.RefusalSealedImmutable:
			code = CodeSealedImmutable
		}
		e := NewError(code, te.Error())
		e.CurrentState = te.Current
		return e
	}

	var v *modegate.Violation
	if errors.As(err, &v) {
		return NewError(Code(v.Code), v.Reason)
	}

	var ve *evidence.ValidationError
	if errors.As(err, &ve) {
		return fieldError(CodeValidationFailed, "validation failed", ve.Fields)
	}

	switch {
	case errors.Is(err, tenants.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return NewError(CodeNotFound, "record not found")
	case errors.Is(err, tenants.ErrInvalidTenant):
		return NewError(CodeUnauthenticated, "caller has no valid tenant")
	case errors.Is(err, blob.ErrUnsupportedScheme), errors.Is(err, blob.ErrInvalidURI):
		return fieldError(CodeValidationFailed, "payload reference is not resolvable", []evidence.FieldError{{
			Field: "payload_storage_uri", Kind: evidence.KindInvalidValue, Message: err.Error(),
		}})
	}

	e := NewError(CodeInternal, "internal error")
	e.cause = err
	return e
}
