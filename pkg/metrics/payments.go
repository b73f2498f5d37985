package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics records gateway traffic for the payment surface.
type PaymentMetrics struct {
	webhooksReceived  *prometheus.CounterVec
	webhookFailures   *prometheus.CounterVec
	webhookDuplicates *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	checkoutsCreated  *prometheus.CounterVec
	checkoutsReused   *prometheus.CounterVec
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	webhooksReceived := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_received_total",
		Help: "Webhook deliveries accepted per provider and event kind.",
	}, []string{"provider", "kind"})
	webhookFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_failures_total",
		Help: "Webhook deliveries that failed processing per provider.",
	}, []string{"provider"})
	webhookDuplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_duplicates_total",
		Help: "Redelivered webhook events acknowledged without side effects.",
	}, []string{"provider"})
	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_webhook_duration_seconds",
		Help:    "Duration of webhook processing in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	checkoutsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_checkouts_created_total",
		Help: "Hosted checkout sessions created per provider.",
	}, []string{"provider"})
	checkoutsReused := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_checkouts_reused_total",
		Help: "Pending checkout sessions reused instead of recreated.",
	}, []string{"provider"})
	reg.MustRegister(webhooksReceived, webhookFailures, webhookDuplicates, webhookDuration, checkoutsCreated, checkoutsReused)
	return &PaymentMetrics{
		webhooksReceived:  webhooksReceived,
		webhookFailures:   webhookFailures,
		webhookDuplicates: webhookDuplicates,
		webhookDuration:   webhookDuration,
		checkoutsCreated:  checkoutsCreated,
		checkoutsReused:   checkoutsReused,
	}
}

// IncWebhookReceived counts an accepted delivery.
func (p *PaymentMetrics) IncWebhookReceived(provider, kind string) {
	if p == nil || p.webhooksReceived == nil {
		return
	}
	p.webhooksReceived.WithLabelValues(normalizeLabel(provider), normalizeLabel(kind)).Inc()
}

// IncWebhookFailure counts a delivery that errored during processing.
func (p *PaymentMetrics) IncWebhookFailure(provider string) {
	if p == nil || p.webhookFailures == nil {
		return
	}
	p.webhookFailures.WithLabelValues(normalizeLabel(provider)).Inc()
}

// IncWebhookDuplicate counts a redelivery acknowledged without side effects.
func (p *PaymentMetrics) IncWebhookDuplicate(provider string) {
	if p == nil || p.webhookDuplicates == nil {
		return
	}
	p.webhookDuplicates.WithLabelValues(normalizeLabel(provider)).Inc()
}

// ObserveWebhookDuration records processing time for a delivery.
func (p *PaymentMetrics) ObserveWebhookDuration(provider string, duration time.Duration) {
	if p == nil || p.webhookDuration == nil {
		return
	}
	p.webhookDuration.WithLabelValues(normalizeLabel(provider)).Observe(duration.Seconds())
}

// IncCheckoutCreated counts a new hosted session.
func (p *PaymentMetrics) IncCheckoutCreated(provider string) {
	if p == nil || p.checkoutsCreated == nil {
		return
	}
	p.checkoutsCreated.WithLabelValues(normalizeLabel(provider)).Inc()
}

// IncCheckoutReused counts a pending session handed back to the buyer.
func (p *PaymentMetrics) IncCheckoutReused(provider string) {
	if p == nil || p.checkoutsReused == nil {
		return
	}
	p.checkoutsReused.WithLabelValues(normalizeLabel(provider)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
