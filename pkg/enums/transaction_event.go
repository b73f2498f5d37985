package enums

import "fmt"

// TransactionEvent is a lifecycle event applied against a transaction's state machine.
type TransactionEvent string

const (
	TransactionEventPaymentSucceeded TransactionEvent = "payment_succeeded"
	TransactionEventPaymentFailed    TransactionEvent = "payment_failed"
	TransactionEventRefundRequested  TransactionEvent = "refund_requested"
	TransactionEventRefundCompleted  TransactionEvent = "refund_completed"
	TransactionEventRefundFailed     TransactionEvent = "refund_failed"
)

var validTransactionEvents = []TransactionEvent{
	TransactionEventPaymentSucceeded,
	TransactionEventPaymentFailed,
	TransactionEventRefundRequested,
	TransactionEventRefundCompleted,
	TransactionEventRefundFailed,
}

// IsValid reports whether the value matches the canonical transaction event enum.
func (t TransactionEvent) IsValid() bool {
	for _, candidate := range validTransactionEvents {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionEvent converts the raw string to TransactionEvent.
func ParseTransactionEvent(value string) (TransactionEvent, error) {
	for _, candidate := range validTransactionEvents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction event %q", value)
}
