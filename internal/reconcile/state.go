package reconcile

import (
	"errors"

	"github.com/punchamoorthee/creditops/internal/domain"
)

// State is the position of a payment event in the reconciliation machine.
type State int

const (
	StateReceived State = iota
	StateDecoded
	StateValidated
	StateCredited
	StateNotified
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecoded:
		return "decoded"
	case StateValidated:
		return "validated"
	case StateCredited:
		return "credited"
	case StateNotified:
		return "notified"
	case StateRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// transitions lists every legal edge. Rejected is reachable only before
// validation succeeds; nothing leaves Notified or Rejected.
var transitions = map[State][]State{
	StateReceived:  {StateDecoded, StateRejected},
	StateDecoded:   {StateValidated, StateRejected},
	StateValidated: {StateCredited},
	StateCredited:  {StateNotified},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason explains a rejection.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMalformedPayload
	ReasonUnknownKind
	ReasonKindMismatch
	ReasonNotPaid
	ReasonAmountMismatch
	ReasonMissingIdempotencyKey
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonMalformedPayload:
		return "malformed_payload"
	case ReasonUnknownKind:
		return "unknown_kind"
	case ReasonKindMismatch:
		return "kind_mismatch"
	case ReasonNotPaid:
		return "not_paid"
	case ReasonAmountMismatch:
		return "amount_mismatch"
	case ReasonMissingIdempotencyKey:
		return "missing_idempotency_key"
	default:
		return "unknown"
	}
}

func reasonForDecodeError(err error) Reason {
	if errors.Is(err, domain.ErrUnknownKind) {
		return ReasonUnknownKind
	}
	return ReasonMalformedPayload
}
