package stripe

import (
	"encoding/json"
	"testing"

	"github.com/stripe/stripe-go/v84"

	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
)

func sessionEvent(t *testing.T, eventType stripe.EventType, session *stripe.CheckoutSession) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return &stripe.Event{
		ID:   "evt_123",
		Type: eventType,
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestNormalizeEventCheckoutCompleted(t *testing.T) {
	event := sessionEvent(t, stripe.EventTypeCheckoutSessionCompleted, &stripe.CheckoutSession{
		ID:            "cs_test_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{MetadataTransactionID: "tx-1"},
	})

	got, err := normalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Kind != gateway.EventKindPaymentSucceeded {
		t.Fatalf("expected payment succeeded, got %s", got.Kind)
	}
	if got.SessionID != "cs_test_1" || got.TransactionID != "tx-1" {
		t.Fatalf("session/transaction ids not mapped: %+v", got)
	}
}

func TestNormalizeEventCompletedButUnpaidIsUnknown(t *testing.T) {
	event := sessionEvent(t, stripe.EventTypeCheckoutSessionCompleted, &stripe.CheckoutSession{
		ID:            "cs_test_2",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		Metadata:      map[string]string{MetadataTransactionID: "tx-2"},
	})

	got, err := normalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Kind != gateway.EventKindUnknown {
		t.Fatalf("unpaid completion should stay unknown, got %s", got.Kind)
	}
}

func TestNormalizeEventSessionExpired(t *testing.T) {
	event := sessionEvent(t, stripe.EventTypeCheckoutSessionExpired, &stripe.CheckoutSession{
		ID:       "cs_test_3",
		Metadata: map[string]string{MetadataTransactionID: "tx-3"},
	})

	got, err := normalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Kind != gateway.EventKindPaymentFailed {
		t.Fatalf("expected payment failed, got %s", got.Kind)
	}
	if got.FailureCode != "session_expired" {
		t.Fatalf("unexpected failure code %q", got.FailureCode)
	}
}

func TestNormalizeEventChargeRefunded(t *testing.T) {
	raw, err := json.Marshal(&stripe.Charge{
		Metadata: map[string]string{MetadataTransactionID: "tx-4"},
	})
	if err != nil {
		t.Fatalf("marshal charge: %v", err)
	}
	event := &stripe.Event{
		ID:   "evt_refund",
		Type: stripe.EventTypeChargeRefunded,
		Data: &stripe.EventData{Raw: raw},
	}

	got, err := normalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Kind != gateway.EventKindRefundSucceeded {
		t.Fatalf("expected refund succeeded, got %s", got.Kind)
	}
	if got.TransactionID != "tx-4" {
		t.Fatalf("transaction id not mapped: %+v", got)
	}
}

func TestNormalizeEventUnrelatedTypeIsUnknown(t *testing.T) {
	event := &stripe.Event{
		ID:   "evt_noise",
		Type: stripe.EventTypeCustomerCreated,
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	}

	got, err := normalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Kind != gateway.EventKindUnknown {
		t.Fatalf("expected unknown kind, got %s", got.Kind)
	}
}
