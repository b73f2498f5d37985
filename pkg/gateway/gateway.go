package gateway

import (
	"context"
	"fmt"

	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// EventKind is the provider-neutral classification of a webhook event.
type EventKind string

const (
	EventKindPaymentSucceeded EventKind = "payment_succeeded"
	EventKindPaymentFailed    EventKind = "payment_failed"
	EventKindRefundSucceeded  EventKind = "refund_succeeded"
	EventKindRefundFailed     EventKind = "refund_failed"
	EventKindUnknown          EventKind = "unknown"
)

// SessionStatus is the provider-neutral state of a hosted checkout session.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

// Event is a verified webhook delivery normalized across providers.
type Event struct {
	ID             string
	Type           string
	Kind           EventKind
	SessionID      string
	TransactionID  string
	FailureCode    string
	FailureMessage string
	Raw            []byte
}

// CheckoutParams describes the hosted checkout session to create.
type CheckoutParams struct {
	TransactionID    string
	AmountMinorUnits int64
	Currency         string
	Label            string
	Quantity         int64
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
}

// CheckoutSession is the created or retrieved hosted session.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	Status      SessionStatus
}

// Client is the surface every payment rail implements.
type Client interface {
	Provider() enums.PaymentProvider
	CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveCheckout(ctx context.Context, sessionID string) (*CheckoutSession, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// Registry resolves a rail client by provider.
type Registry struct {
	clients map[enums.PaymentProvider]Client
}

// NewRegistry indexes the provided clients by provider. Nil clients are skipped.
func NewRegistry(clients ...Client) *Registry {
	indexed := make(map[enums.PaymentProvider]Client, len(clients))
	for _, c := range clients {
		if c == nil {
			continue
		}
		indexed[c.Provider()] = c
	}
	return &Registry{clients: indexed}
}

// Get returns the client registered for the provider.
func (r *Registry) Get(provider enums.PaymentProvider) (Client, error) {
	if r == nil {
		return nil, fmt.Errorf("gateway registry is nil")
	}
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no gateway client registered for provider %q", provider)
	}
	return client, nil
}

// Providers lists every registered provider.
func (r *Registry) Providers() []enums.PaymentProvider {
	if r == nil {
		return nil
	}
	out := make([]enums.PaymentProvider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}
