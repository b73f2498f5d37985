package enums

import "fmt"

// RefundStatus tracks the refund sub-flow attached to a transaction.
type RefundStatus string

const (
	RefundStatusNone       RefundStatus = "none"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusFailed     RefundStatus = "failed"
)

var validRefundStatuses = []RefundStatus{
	RefundStatusNone,
	RefundStatusProcessing,
	RefundStatusCompleted,
	RefundStatusFailed,
}

// IsValid reports whether the value matches the canonical refund status enum.
func (r RefundStatus) IsValid() bool {
	for _, candidate := range validRefundStatuses {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRefundStatus converts the raw string to RefundStatus.
func ParseRefundStatus(value string) (RefundStatus, error) {
	for _, candidate := range validRefundStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund status %q", value)
}
