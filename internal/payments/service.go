package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/internal/webhookaudit"
	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
	"github.com/tradepost-market/tradepost-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// transactionEngine is the slice of the transactions service the orchestrator drives.
type transactionEngine interface {
	FindByOffer(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error)
	FindByGatewaySession(ctx context.Context, sessionID string) (*models.Transaction, error)
	CreatePendingWithTx(ctx context.Context, tx *gorm.DB, input transactions.CreatePendingInput) (*models.Transaction, error)
	AttachGatewaySessionWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, sessionID string) error
	ApplyEventWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, event enums.TransactionEvent, opts transactions.EventOptions) (*models.Transaction, transactions.Transition, error)
}

type listingReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
}

type offerReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
}

type gatewayResolver interface {
	Get(provider enums.PaymentProvider) (gateway.Client, error)
}

// CheckoutInput describes a buyer's request to pay.
type CheckoutInput struct {
	BuyerID   uuid.UUID
	ListingID uuid.UUID
	OfferID   *uuid.UUID
	Provider  enums.PaymentProvider
}

// CheckoutResult is what the API hands back to the buyer.
type CheckoutResult struct {
	Transaction *models.Transaction
	RedirectURL string
	Reused      bool
	AlreadyPaid bool
}

// Service orchestrates hosted checkouts and webhook settlement across rails.
type Service interface {
	InitiateCheckout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error)
	HandleWebhook(ctx context.Context, provider enums.PaymentProvider, payload []byte, signature string) error
	ListUnprocessedEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type service struct {
	tx       txRunner
	engine   transactionEngine
	listings listingReader
	offers   offerReader
	audit    webhookaudit.Repository
	gateways gatewayResolver
	cfg      config.CheckoutConfig
	metrics  *metrics.PaymentMetrics
	guard    *IdempotencyGuard
	logger   *logger.Logger
}

// NewService wires the payment orchestrator and validates its dependencies.
// The idempotency guard is optional; without it webhook dedupe falls back to
// the audit log alone.
func NewService(
	runner txRunner,
	engine transactionEngine,
	listingStore listingReader,
	offerStore offerReader,
	audit webhookaudit.Repository,
	gateways gatewayResolver,
	cfg config.CheckoutConfig,
	m *metrics.PaymentMetrics,
	guard *IdempotencyGuard,
	logg *logger.Logger,
) (Service, error) {
	if runner == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("transaction engine is required")
	}
	if listingStore == nil {
		return nil, fmt.Errorf("listing reader is required")
	}
	if offerStore == nil {
		return nil, fmt.Errorf("offer reader is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("webhook audit repository is required")
	}
	if gateways == nil {
		return nil, fmt.Errorf("gateway resolver is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &service{
		tx:       runner,
		engine:   engine,
		listings: listingStore,
		offers:   offerStore,
		audit:    audit,
		gateways: gateways,
		cfg:      cfg,
		metrics:  m,
		guard:    guard,
		logger:   logg,
	}, nil
}

// InitiateCheckout opens (or reuses) a hosted payment session for the listing
// or offer. The ledger row and the gateway call commit or roll back together.
func (s *service) InitiateCheckout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	client, err := s.gateways.Get(input.Provider)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported payment provider")
	}

	listing, err := s.listings.FindByID(ctx, input.ListingID)
	if err != nil {
		return nil, mapLookupErr(err, "listing not found")
	}
	if listing.SellerID == input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sellers cannot buy their own listing")
	}

	unit := listing.Price
	quantity := 1
	var offerID *uuid.UUID

	if input.OfferID != nil {
		offer, err := s.offers.FindByID(ctx, *input.OfferID)
		if err != nil {
			return nil, mapLookupErr(err, "offer not found")
		}
		if offer.ListingID != listing.ID {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "offer does not belong to this listing")
		}
		if offer.BuyerID != input.BuyerID {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "offer belongs to another buyer")
		}

		existing, err := s.engine.FindByOffer(ctx, offer.ID)
		if err != nil {
			return nil, err
		}

		switch offer.Status {
		case enums.OfferStatusAccepted:
			// ok
		case enums.OfferStatusCompleted:
			// fall through to the reuse check, which reports the settled row
		case enums.OfferStatusRejected:
			// A failed payment rejects the offer; only that rejection may be
			// retried. Offers the seller turned down have no settled ledger
			// row and stay closed.
			if existing == nil || (existing.Status != enums.TransactionStatusFailed && existing.Status != enums.TransactionStatusRefunded) {
				return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("offer in status %s cannot be paid", offer.Status))
			}
		default:
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("offer in status %s cannot be paid", offer.Status))
		}

		unit = offer.Amount
		quantity = offer.Quantity
		offerID = &offer.ID

		result, err := s.reuseForOffer(ctx, client, existing, listing.Title)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	} else if listing.Status != enums.ListingStatusAvailable {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("listing in status %s cannot be bought", listing.Status))
	}

	if quantity <= 0 {
		quantity = 1
	}
	total := unit.Mul(decimal.NewFromInt(int64(quantity)))

	var (
		created     *models.Transaction
		redirectURL string
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		transaction, err := s.engine.CreatePendingWithTx(ctx, tx, transactions.CreatePendingInput{
			ListingID: listing.ID,
			OfferID:   offerID,
			BuyerID:   input.BuyerID,
			SellerID:  listing.SellerID,
			Amount:    total,
			Currency:  listing.Currency,
			Quantity:  quantity,
			Provider:  input.Provider,
		})
		if err != nil {
			return err
		}

		session, err := s.createSession(ctx, client, transaction, unit, int64(quantity), listing.Title)
		if err != nil {
			return err
		}

		if err := s.engine.AttachGatewaySessionWithTx(ctx, tx, transaction.ID, session.ID); err != nil {
			return err
		}

		created = transaction
		created.GatewaySessionID = &session.ID
		redirectURL = session.RedirectURL
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncCheckoutCreated(string(input.Provider))
	logCtx := s.logger.WithTransactionID(s.logger.WithProvider(ctx, string(input.Provider)), created.ID.String())
	s.logger.Info(logCtx, "checkout session created")

	return &CheckoutResult{Transaction: created, RedirectURL: redirectURL}, nil
}

// reuseForOffer enforces offer-bound reuse: a completed payment reports as
// already paid, and an open pending attempt hands back its live session
// instead of opening a second one. Returns nil when a fresh row is needed.
func (s *service) reuseForOffer(ctx context.Context, client gateway.Client, existing *models.Transaction, label string) (*CheckoutResult, error) {
	if existing == nil {
		return nil, nil
	}

	switch existing.Status {
	case enums.TransactionStatusCompleted:
		return &CheckoutResult{Transaction: existing, AlreadyPaid: true}, nil

	case enums.TransactionStatusPending:
		if existing.GatewaySessionID == nil {
			// Row exists but the gateway call never landed; reopen a session on it.
			return s.reopenSession(ctx, client, existing, label)
		}

		session, err := client.RetrieveCheckout(ctx, *existing.GatewaySessionID)
		if err != nil {
			return nil, err
		}
		switch session.Status {
		case gateway.SessionStatusOpen:
			s.metrics.IncCheckoutReused(string(existing.Provider))
			return &CheckoutResult{Transaction: existing, RedirectURL: session.RedirectURL, Reused: true}, nil
		case gateway.SessionStatusComplete:
			// Paid at the gateway; settlement lands via webhook.
			return &CheckoutResult{Transaction: existing, AlreadyPaid: true}, nil
		default:
			// Expired session: keep the ledger row, open a fresh session on it.
			return s.reopenSession(ctx, client, existing, label)
		}
	}

	// Failed or refunded attempt: a new row is allowed.
	return nil, nil
}

func (s *service) reopenSession(ctx context.Context, client gateway.Client, transaction *models.Transaction, label string) (*CheckoutResult, error) {
	quantity := int64(transaction.Quantity)
	if quantity <= 0 {
		quantity = 1
	}
	unit := transaction.Amount.Div(decimal.NewFromInt(quantity))

	var redirectURL string
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		session, err := s.createSession(ctx, client, transaction, unit, quantity, label)
		if err != nil {
			return err
		}
		if err := s.engine.AttachGatewaySessionWithTx(ctx, tx, transaction.ID, session.ID); err != nil {
			return err
		}
		transaction.GatewaySessionID = &session.ID
		redirectURL = session.RedirectURL
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncCheckoutCreated(string(transaction.Provider))
	return &CheckoutResult{Transaction: transaction, RedirectURL: redirectURL, Reused: true}, nil
}

func (s *service) createSession(ctx context.Context, client gateway.Client, transaction *models.Transaction, unit decimal.Decimal, quantity int64, label string) (*gateway.CheckoutSession, error) {
	if label == "" {
		label = s.cfg.ProductLabelDefault
	}
	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}
	metadata := map[string]string{
		"listing_id": transaction.ListingID.String(),
		"buyer_id":   transaction.BuyerID.String(),
		"seller_id":  transaction.SellerID.String(),
	}
	if transaction.OfferID != nil {
		metadata["offer_id"] = transaction.OfferID.String()
	}
	return client.CreateCheckout(ctx, gateway.CheckoutParams{
		TransactionID:    transaction.ID.String(),
		AmountMinorUnits: unit.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency:         string(transaction.Currency),
		Label:            label,
		Quantity:         quantity,
		SuccessURL:       s.cfg.SuccessURL,
		CancelURL:        s.cfg.CancelURL,
		Metadata:         metadata,
	})
}

// HandleWebhook verifies, audits, and applies a gateway delivery. Redelivered
// events land on their original audit row and are acknowledged without side
// effects; deliveries that cannot be tied to a transaction are parked
// unprocessed for operator review.
func (s *service) HandleWebhook(ctx context.Context, provider enums.PaymentProvider, payload []byte, signature string) error {
	start := time.Now()
	defer func() {
		s.metrics.ObserveWebhookDuration(string(provider), time.Since(start))
	}()

	client, err := s.gateways.Get(provider)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve gateway client")
	}

	event, err := client.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}

	logCtx := s.logger.WithProvider(ctx, string(provider))

	guardMarked := false
	if s.guard != nil {
		seen, guardErr := s.guard.CheckAndMark(ctx, string(provider), event.ID)
		switch {
		case guardErr != nil:
			// Redis being down must not drop payments; the audit log still
			// dedupes authoritatively.
			s.logger.Warn(logCtx, fmt.Sprintf("webhook idempotency guard unavailable: %v", guardErr))
		case seen:
			s.metrics.IncWebhookDuplicate(string(provider))
			s.logger.Info(logCtx, fmt.Sprintf("webhook event %s already seen, acknowledging redelivery", event.ID))
			return nil
		default:
			guardMarked = true
		}
	}

	// Every exit without a durably recorded outcome must release the guard
	// mark, otherwise the provider's retry would short-circuit against an
	// event that was never audited or applied.
	releaseGuard := func() {
		if !guardMarked {
			return
		}
		if guardErr := s.guard.Delete(ctx, string(provider), event.ID); guardErr != nil {
			s.logger.Error(logCtx, "clear webhook idempotency mark after failure", guardErr)
		}
	}

	transactionID, resolveErr := s.resolveTransactionID(ctx, event)

	record := &models.WebhookEvent{
		Provider:      provider,
		EventID:       event.ID,
		EventType:     event.Type,
		TransactionID: transactionID,
		Payload:       payload,
	}

	record, created, err := s.audit.Record(ctx, record)
	if err != nil {
		releaseGuard()
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record webhook event")
	}
	if !created && record.Processed {
		s.metrics.IncWebhookDuplicate(string(provider))
		s.logger.Info(logCtx, fmt.Sprintf("webhook event %s already processed, acknowledging redelivery", event.ID))
		return nil
	}

	if event.Kind == gateway.EventKindUnknown {
		if err := s.audit.MarkProcessed(ctx, record.ID); err != nil {
			releaseGuard()
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark webhook event processed")
		}
		s.logger.Info(logCtx, fmt.Sprintf("ignoring webhook event type %s", event.Type))
		return nil
	}

	if resolveErr != nil {
		releaseGuard()
		return resolveErr
	}
	if transactionID == nil {
		if err := s.audit.SetProcessingError(ctx, record.ID, "transaction reference missing from event"); err != nil {
			releaseGuard()
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flag webhook event")
		}
		s.logger.Warn(logCtx, fmt.Sprintf("webhook event %s carries no transaction reference", event.ID))
		return nil
	}

	lifecycleEvent, ok := lifecycleEventFor(event.Kind)
	if !ok {
		releaseGuard()
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unmapped event kind %s", event.Kind))
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, _, err := s.engine.ApplyEventWithTx(ctx, tx, *transactionID, lifecycleEvent, transactions.EventOptions{
			FailureCode:    event.FailureCode,
			FailureMessage: event.FailureMessage,
		})
		if err != nil {
			return err
		}
		return s.audit.WithTx(tx).MarkProcessed(ctx, record.ID)
	})
	if err != nil {
		s.metrics.IncWebhookFailure(string(provider))
		releaseGuard()
		if auditErr := s.audit.SetProcessingError(ctx, record.ID, err.Error()); auditErr != nil {
			s.logger.Error(logCtx, "flag webhook event after failure", auditErr)
		}
		return err
	}

	s.metrics.IncWebhookReceived(string(provider), string(event.Kind))
	s.logger.Info(s.logger.WithTransactionID(logCtx, transactionID.String()), fmt.Sprintf("webhook event %s applied", event.ID))
	return nil
}

func (s *service) ListUnprocessedEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	events, err := s.audit.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list unprocessed webhook events")
	}
	return events, nil
}

// resolveTransactionID pulls the ledger row id from the event metadata, falling
// back to the session reference when the id itself is absent.
func (s *service) resolveTransactionID(ctx context.Context, event *gateway.Event) (*uuid.UUID, error) {
	if event.TransactionID != "" {
		id, err := uuid.Parse(event.TransactionID)
		if err == nil {
			return &id, nil
		}
	}

	if event.SessionID != "" {
		transaction, err := s.engine.FindByGatewaySession(ctx, event.SessionID)
		if err != nil {
			return nil, err
		}
		if transaction != nil {
			return &transaction.ID, nil
		}
	}

	return nil, nil
}

func lifecycleEventFor(kind gateway.EventKind) (enums.TransactionEvent, bool) {
	switch kind {
	case gateway.EventKindPaymentSucceeded:
		return enums.TransactionEventPaymentSucceeded, true
	case gateway.EventKindPaymentFailed:
		return enums.TransactionEventPaymentFailed, true
	case gateway.EventKindRefundSucceeded:
		return enums.TransactionEventRefundCompleted, true
	case gateway.EventKindRefundFailed:
		return enums.TransactionEventRefundFailed, true
	default:
		return "", false
	}
}

func mapLookupErr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, msg)
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
