package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPaymentMetricsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPaymentMetrics(reg)

	m.IncWebhookReceived("stripe", "payment_succeeded")
	m.IncWebhookReceived("stripe", "payment_succeeded")
	m.IncWebhookDuplicate("mobilepay")
	m.IncWebhookFailure("stripe")
	m.IncCheckoutCreated("stripe")
	m.IncCheckoutReused("mobilepay")
	m.ObserveWebhookDuration("stripe", 50*time.Millisecond)

	if got := testutil.ToFloat64(m.webhooksReceived.WithLabelValues("stripe", "payment_succeeded")); got != 2 {
		t.Fatalf("expected 2 received, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookDuplicates.WithLabelValues("mobilepay")); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkoutsCreated.WithLabelValues("stripe")); got != 1 {
		t.Fatalf("expected 1 checkout created, got %v", got)
	}
}

func TestPaymentMetricsNilSafe(t *testing.T) {
	var m *PaymentMetrics
	m.IncWebhookReceived("stripe", "payment_succeeded")
	m.IncWebhookFailure("stripe")
	m.ObserveWebhookDuration("stripe", time.Second)

	unregistered := NewPaymentMetrics(nil)
	unregistered.IncCheckoutCreated("stripe")
	unregistered.IncWebhookDuplicate("")
}

func TestNormalizeLabel(t *testing.T) {
	if normalizeLabel("") != "unknown" {
		t.Fatalf("empty label should normalize to unknown")
	}
	if normalizeLabel("stripe") != "stripe" {
		t.Fatalf("non-empty label should pass through")
	}
}
