package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	// MetadataTransactionID is the metadata key carrying our ledger row id on
	// both the checkout session and the downstream payment intent/charge.
	MetadataTransactionID = "transaction_id"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client wraps Stripe's API client plus env-specific metadata. It is the card
// rail behind the shared gateway surface.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		api:           api,
		environment:   env,
		signingSecret: signingSecret,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Provider identifies the rail.
func (c *Client) Provider() enums.PaymentProvider {
	return enums.PaymentProviderStripe
}

// CreateCheckout opens a hosted Checkout Session in payment mode.
func (c *Client) CreateCheckout(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	if c == nil || c.api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client not initialized")
	}
	if params.AmountMinorUnits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout amount must be positive")
	}

	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	metadata := map[string]string{MetadataTransactionID: params.TransactionID}
	for k, v := range params.Metadata {
		metadata[k] = v
	}

	req := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Quantity: stripe.Int64(quantity),
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.AmountMinorUnits),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(params.Label),
					},
				},
			},
		},
		Metadata: metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
	}

	session, err := c.api.V1CheckoutSessions.Create(ctx, req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe checkout session")
	}

	return toCheckoutSession(session), nil
}

// RetrieveCheckout fetches the current state of a previously created session.
func (c *Client) RetrieveCheckout(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	if c == nil || c.api == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client not initialized")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}

	session, err := c.api.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve stripe checkout session")
	}

	return toCheckoutSession(session), nil
}

// VerifyWebhook checks the Stripe-Signature header against the signing secret
// and normalizes the event for the orchestrator.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*gateway.Event, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client not initialized")
	}
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSignature, "stripe signature missing")
	}

	event, err := webhook.ConstructEvent(payload, signature, c.signingSecret)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "verify stripe signature")
	}

	return normalizeEvent(&event)
}

func toCheckoutSession(session *stripe.CheckoutSession) *gateway.CheckoutSession {
	out := &gateway.CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
	}
	switch session.Status {
	case stripe.CheckoutSessionStatusComplete:
		out.Status = gateway.SessionStatusComplete
	case stripe.CheckoutSessionStatusExpired:
		out.Status = gateway.SessionStatusExpired
	default:
		out.Status = gateway.SessionStatusOpen
	}
	return out
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
