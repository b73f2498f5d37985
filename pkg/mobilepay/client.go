package mobilepay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "Mobilepay-Signature"

const checkoutsPath = "/v1/checkouts"

var (
	errBaseURLRequired       = errors.New("mobilepay base url is required")
	errAPIKeyRequired        = errors.New("mobilepay api key is required")
	errWebhookSecretRequired = errors.New("mobilepay webhook secret is required")
)

// Client is a thin REST client for the mobile money rail. The provider hosts
// the payment page; we create checkouts, poll them, and consume webhooks.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	webhookSecret string
}

// NewClient validates the credentials and prepares the HTTP client.
func NewClient(ctx context.Context, cfg config.MobilePayConfig, logg *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if logg != nil {
		logg.Info(ctx, "mobilepay client initialized")
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
	}, nil
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// Provider identifies the rail.
func (c *Client) Provider() enums.PaymentProvider {
	return enums.PaymentProviderMobilePay
}

type checkoutRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Reference   string            `json:"reference"`
	SuccessURL  string            `json:"success_url"`
	CancelURL   string            `json:"cancel_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
	Status      string `json:"status"`
}

// CreateCheckout opens a hosted mobile money checkout.
func (c *Client) CreateCheckout(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	if c == nil || c.httpClient == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "mobilepay client not initialized")
	}
	if params.AmountMinorUnits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout amount must be positive")
	}

	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	body := checkoutRequest{
		Amount:      params.AmountMinorUnits * quantity,
		Currency:    params.Currency,
		Description: params.Label,
		Reference:   params.TransactionID,
		SuccessURL:  params.SuccessURL,
		CancelURL:   params.CancelURL,
		Metadata:    params.Metadata,
	}

	var resp checkoutResponse
	if err := c.do(ctx, http.MethodPost, checkoutsPath, body, &resp); err != nil {
		return nil, err
	}
	return toCheckoutSession(resp), nil
}

// RetrieveCheckout fetches the current state of a checkout.
func (c *Client) RetrieveCheckout(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	if c == nil || c.httpClient == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "mobilepay client not initialized")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}

	var resp checkoutResponse
	if err := c.do(ctx, http.MethodGet, checkoutsPath+"/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return toCheckoutSession(resp), nil
}

// VerifyWebhook checks the HMAC-SHA256 hex signature over the raw payload and
// normalizes the event for the orchestrator.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*gateway.Event, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "mobilepay client not initialized")
	}
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSignature, "mobilepay signature missing")
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, pkgerrors.New(pkgerrors.CodeSignature, "mobilepay signature mismatch")
	}

	return normalizeEvent(payload)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode mobilepay request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build mobilepay request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "call mobilepay api")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read mobilepay response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("mobilepay api returned %d: %s", resp.StatusCode, truncate(raw, 256)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode mobilepay response")
		}
	}
	return nil
}

func toCheckoutSession(resp checkoutResponse) *gateway.CheckoutSession {
	out := &gateway.CheckoutSession{
		ID:          resp.ID,
		RedirectURL: resp.RedirectURL,
	}
	switch strings.ToLower(resp.Status) {
	case "complete", "completed", "paid":
		out.Status = gateway.SessionStatusComplete
	case "expired", "canceled", "cancelled":
		out.Status = gateway.SessionStatusExpired
	default:
		out.Status = gateway.SessionStatusOpen
	}
	return out
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
