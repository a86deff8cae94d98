package evidence

import "fmt"

// Status is a record's lifecycle state.
type Status string

const (
	StatusIngested    Status = "INGESTED"
	StatusSealed      Status = "SEALED"
	StatusRejected    Status = "REJECTED"
	StatusQuarantined Status = "QUARANTINED"
	StatusSuperseded  Status = "SUPERSEDED"
)

var AllStatuses = []Status{StatusIngested, StatusSealed, StatusRejected, StatusQuarantined, StatusSuperseded}

func (s Status) Valid() bool {
	switch s {
	case StatusIngested, StatusSealed, StatusRejected, StatusQuarantined, StatusSuperseded:
		return true
	}
	return false
}

// Action is a requested mutation.
type Action string

const (
	ActionSeal              Action = "seal"
	ActionReject            Action = "reject"
	ActionQuarantine        Action = "quarantine"
	ActionSupersede         Action = "supersede"
	ActionAmend             Action = "amend"
	ActionCorrectProvenance Action = "correct_provenance"
)

// Refusal classifies why a transition was refused.
type Refusal string

const (
	RefusalAlreadySealed     Refusal = "ALREADY_SEALED"
	RefusalSealedImmutable   Refusal = "SEALED_IMMUTABLE"
	RefusalInvalidTransition Refusal = "INVALID_TRANSITION"
)

// TransitionError reports an illegal transition together with the state the
// record is actually in, so the caller can choose a different action.
type TransitionError struct {
	Action  Action
	Current Status
	Refusal Refusal
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("evidence: cannot %s a record in state %s (%s)", e.Action, e.Current, e.Refusal)
}

// Outcome is the result of a legal transition check.
type Outcome struct {
	Next Status
	// Noop is set when the record is already in the requested state and
	// nothing must be written or audited.
	Noop bool
}

// Transition validates action against r and returns the resulting status.
//
//	INGESTED -> SEALED | REJECTED | QUARANTINED
//	SEALED   -> SUPERSEDED | QUARANTINED
//	SUPERSEDED -> QUARANTINED
//	QUARANTINED -> QUARANTINED (no-op)
//
// Content edits (amend) are legal only on an unsealed INGESTED record.
// Provenance correction is legal in every state.
func Transition(r *Record, action Action) (Outcome, error) {
	refuse := func(why Refusal) (Outcome, error) {
		return Outcome{}, &TransitionError{Action: action, Current: r.Status, Refusal: why}
	}

	switch action {
	case ActionSeal:
		if r.IsSealed() {
			return refuse(RefusalAlreadySealed)
		}
		if r.Status != StatusIngested {
			return refuse(RefusalInvalidTransition)
		}
		return Outcome{Next: StatusSealed}, nil

	case ActionReject:
		if r.Status != StatusIngested {
			return refuse(RefusalInvalidTransition)
		}
		return Outcome{Next: StatusRejected}, nil

	case ActionQuarantine:
		switch r.Status {
		case StatusQuarantined:
			return Outcome{Next: StatusQuarantined, Noop: true}, nil
		case StatusRejected:
			return refuse(RefusalInvalidTransition)
		}
		return Outcome{Next: StatusQuarantined}, nil

	case ActionSupersede:
		if r.Status != StatusSealed {
			return refuse(RefusalInvalidTransition)
		}
		return Outcome{Next: StatusSuperseded}, nil

	case ActionAmend:
		if r.IsSealed() {
			return refuse(RefusalSealedImmutable)
		}
		if r.Status != StatusIngested {
			return refuse(RefusalInvalidTransition)
		}
		return Outcome{Next: StatusIngested}, nil

	case ActionCorrectProvenance:
		return Outcome{Next: r.Status}, nil
	}
	return Outcome{}, fmt.Errorf("evidence: unknown action %q", action)
}
