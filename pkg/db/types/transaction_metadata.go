package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// TransactionMetadata is the structured jsonb payload on transactions. Only the
// fields below are ever written; anything else in the column is rejected on scan.
type TransactionMetadata struct {
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	RefundReason   string `json:"refund_reason,omitempty"`
}

func (m *TransactionMetadata) Scan(src any) error {
	if src == nil {
		*m = TransactionMetadata{}
		return nil
	}

	switch v := src.(type) {
	case string:
		return m.parse([]byte(v))
	case []byte:
		return m.parse(v)
	default:
		return fmt.Errorf("TransactionMetadata: unsupported Scan type %T", src)
	}
}

func (m TransactionMetadata) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("TransactionMetadata: marshal: %w", err)
	}
	return string(raw), nil
}

// IsZero reports whether no metadata fields have been set.
func (m TransactionMetadata) IsZero() bool {
	return m == TransactionMetadata{}
}

func (m *TransactionMetadata) parse(raw []byte) error {
	if len(raw) == 0 {
		*m = TransactionMetadata{}
		return nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("TransactionMetadata: unmarshal: %w", err)
	}
	return nil
}
