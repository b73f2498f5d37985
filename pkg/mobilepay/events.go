package mobilepay

import (
	"encoding/json"

	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
)

// Event types the mobile money rail delivers.
const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypeRefundSucceeded  = "refund.succeeded"
	EventTypeRefundFailed     = "refund.failed"
)

type webhookEnvelope struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data webhookEventData `json:"data"`
}

type webhookEventData struct {
	CheckoutID     string `json:"checkout_id"`
	Reference      string `json:"reference"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// normalizeEvent maps a verified delivery onto the shared gateway event.
func normalizeEvent(payload []byte) (*gateway.Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode mobilepay event")
	}
	if envelope.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mobilepay event id missing")
	}

	out := &gateway.Event{
		ID:             envelope.ID,
		Type:           envelope.Type,
		Kind:           gateway.EventKindUnknown,
		SessionID:      envelope.Data.CheckoutID,
		TransactionID:  envelope.Data.Reference,
		FailureCode:    envelope.Data.FailureCode,
		FailureMessage: envelope.Data.FailureMessage,
		Raw:            payload,
	}

	switch envelope.Type {
	case EventTypePaymentSucceeded:
		out.Kind = gateway.EventKindPaymentSucceeded
	case EventTypePaymentFailed:
		out.Kind = gateway.EventKindPaymentFailed
	case EventTypeRefundSucceeded:
		out.Kind = gateway.EventKindRefundSucceeded
	case EventTypeRefundFailed:
		out.Kind = gateway.EventKindRefundFailed
	}

	return out, nil
}
