package transactions

import (
	"fmt"

	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Transition is the computed result of applying a lifecycle event.
type Transition struct {
	From enums.TransactionStatus
	To   enums.TransactionStatus
	NoOp bool
}

// transitions holds every legal move. Anything not listed here is either an
// idempotent re-application of an already-recorded outcome or a conflict.
var transitions = map[enums.TransactionStatus]map[enums.TransactionEvent]enums.TransactionStatus{
	enums.TransactionStatusPending: {
		enums.TransactionEventPaymentSucceeded: enums.TransactionStatusCompleted,
		enums.TransactionEventPaymentFailed:    enums.TransactionStatusFailed,
	},
	enums.TransactionStatusCompleted: {
		enums.TransactionEventRefundRequested: enums.TransactionStatusCompleted,
		enums.TransactionEventRefundCompleted: enums.TransactionStatusRefunded,
		enums.TransactionEventRefundFailed:    enums.TransactionStatusCompleted,
	},
}

// idempotentOutcomes maps each settled status to the event whose redelivery is
// acknowledged without moving the machine.
var idempotentOutcomes = map[enums.TransactionStatus]enums.TransactionEvent{
	enums.TransactionStatusCompleted: enums.TransactionEventPaymentSucceeded,
	enums.TransactionStatusFailed:    enums.TransactionEventPaymentFailed,
	enums.TransactionStatusRefunded:  enums.TransactionEventRefundCompleted,
}

// Apply computes the transition for event against the current status. A
// redelivered event that matches the outcome already recorded returns a no-op
// transition; a conflicting outcome returns a STATE_CONFLICT error.
func Apply(current enums.TransactionStatus, event enums.TransactionEvent) (Transition, error) {
	if !current.IsValid() {
		return Transition{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction status %q", current))
	}
	if !event.IsValid() {
		return Transition{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction event %q", event))
	}

	if next, ok := transitions[current][event]; ok {
		return Transition{From: current, To: next}, nil
	}

	if outcome, ok := idempotentOutcomes[current]; ok && outcome == event {
		return Transition{From: current, To: current, NoOp: true}, nil
	}

	err := pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("event %s not allowed in status %s", event, current))
	err.WithDetails(map[string]any{
		"status": string(current),
		"event":  string(event),
	})
	return Transition{}, err
}
