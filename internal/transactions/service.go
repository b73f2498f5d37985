package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/pkg/db"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

const pendingPerOfferConstraint = "transactions_one_pending_per_offer"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ListingUpdater flips listing availability as payments settle.
type ListingUpdater interface {
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.ListingStatus) error
}

// OfferUpdater closes out offers as payments settle.
type OfferUpdater interface {
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.OfferStatus) error
}

// CreatePendingInput carries everything needed to open a ledger row.
type CreatePendingInput struct {
	ListingID uuid.UUID
	OfferID   *uuid.UUID
	BuyerID   uuid.UUID
	SellerID  uuid.UUID
	Amount    decimal.Decimal
	Currency  enums.Currency
	Quantity  int
	Provider  enums.PaymentProvider
}

// EventOptions carries the event-specific payload for ApplyEventWithTx.
type EventOptions struct {
	FailureCode    string
	FailureMessage string
	RefundAmount   *decimal.Decimal
	RefundReason   string
}

// UpdatePatch is a partial update of mutable ledger columns. Nil fields are
// left untouched. Status is deliberately absent: status only moves through
// ApplyEventWithTx so side effects and locking cannot be skipped.
type UpdatePatch struct {
	GatewaySessionID *string
	RefundStatus     *enums.RefundStatus
	RefundAmount     *decimal.Decimal
}

func (p UpdatePatch) columns() map[string]any {
	fields := map[string]any{}
	if p.GatewaySessionID != nil {
		fields["gateway_session_id"] = *p.GatewaySessionID
	}
	if p.RefundStatus != nil {
		fields["refund_status"] = *p.RefundStatus
	}
	if p.RefundAmount != nil {
		fields["refund_amount"] = *p.RefundAmount
	}
	return fields
}

// RefundRequest stages a refund against a completed transaction.
type RefundRequest struct {
	TransactionID uuid.UUID
	Amount        *decimal.Decimal
	Reason        string
}

// Service owns the transaction lifecycle: creation, event application, and the
// listing/offer side effects that ride along in the same database transaction.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Transaction, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	FindByOffer(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error)
	FindByGatewaySession(ctx context.Context, sessionID string) (*models.Transaction, error)
	Update(ctx context.Context, id uuid.UUID, patch UpdatePatch) (*models.Transaction, error)
	CreatePendingWithTx(ctx context.Context, tx *gorm.DB, input CreatePendingInput) (*models.Transaction, error)
	AttachGatewaySessionWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, sessionID string) error
	ApplyEventWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, event enums.TransactionEvent, opts EventOptions) (*models.Transaction, Transition, error)
	RequestRefund(ctx context.Context, input RefundRequest) (*models.Transaction, error)
	CompleteRefund(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	listings ListingUpdater
	offers   OfferUpdater
	logger   *logger.Logger
}

// NewService wires the transaction service and validates its dependencies.
func NewService(repo Repository, runner txRunner, listingStore ListingUpdater, offerStore OfferUpdater, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("transactions repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if listingStore == nil {
		return nil, fmt.Errorf("listing updater is required")
	}
	if offerStore == nil {
		return nil, fmt.Errorf("offer updater is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &service{
		repo:     repo,
		tx:       runner,
		listings: listingStore,
		offers:   offerStore,
		logger:   logg,
	}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	transaction, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupErr(err, "transaction not found")
	}
	return transaction, nil
}

func (s *service) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Transaction, error) {
	transaction, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if transaction.BuyerID != userID && transaction.SellerID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "transaction belongs to another user")
	}
	return transaction, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	transactions, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transactions")
	}
	return transactions, nil
}

// FindByOffer returns the transaction bound to the offer, or nil when the
// offer has never been paid against.
func (s *service) FindByOffer(ctx context.Context, offerID uuid.UUID) (*models.Transaction, error) {
	transaction, err := s.repo.FindByOfferID(ctx, offerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find transaction by offer")
	}
	return transaction, nil
}

// FindByGatewaySession returns the transaction attached to the hosted session,
// or nil when no row references it.
func (s *service) FindByGatewaySession(ctx context.Context, sessionID string) (*models.Transaction, error) {
	if sessionID == "" {
		return nil, nil
	}
	transaction, err := s.repo.FindByGatewaySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find transaction by gateway session")
	}
	return transaction, nil
}

// Update applies a partial column patch inside its own database transaction.
// An empty patch is a validation error. A patch against an unknown id returns
// (nil, nil): the caller asked to change nothing that exists.
func (s *service) Update(ctx context.Context, id uuid.UUID, patch UpdatePatch) (*models.Transaction, error) {
	fields := patch.columns()
	if len(fields) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no fields to update")
	}
	if patch.RefundStatus != nil && !patch.RefundStatus.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid refund status %q", *patch.RefundStatus))
	}

	var out *models.Transaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		affected, err := repo.UpdateFields(ctx, id, fields)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update transaction")
		}
		if affected == 0 {
			return nil
		}
		updated, err := repo.FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload updated transaction")
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePendingWithTx opens a pending ledger row, parks the listing while
// payment is in flight, and binds the offer back to accepted so a retried
// attempt reopens an offer a failed payment rejected. The partial unique index
// turns a concurrent second attempt on the same offer into a Conflict.
func (s *service) CreatePendingWithTx(ctx context.Context, tx *gorm.DB, input CreatePendingInput) (*models.Transaction, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	if !input.Provider.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payment provider %q", input.Provider))
	}
	quantity := input.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	transaction := &models.Transaction{
		ListingID:    input.ListingID,
		OfferID:      input.OfferID,
		BuyerID:      input.BuyerID,
		SellerID:     input.SellerID,
		Amount:       input.Amount,
		Currency:     input.Currency,
		Quantity:     quantity,
		Status:       enums.TransactionStatusPending,
		Provider:     input.Provider,
		RefundStatus: enums.RefundStatusNone,
	}

	created, err := s.repo.WithTx(tx).Create(ctx, transaction)
	if err != nil {
		if db.IsUniqueViolation(err, pendingPerOfferConstraint) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "a pending transaction already exists for this offer")
		}
		if db.IsForeignKeyViolation(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "transaction references a missing listing or user")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create transaction")
	}

	if err := s.listings.SetStatus(ctx, tx, input.ListingID, enums.ListingStatusPending); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "park listing for payment")
	}
	if input.OfferID != nil {
		if err := s.offers.SetStatus(ctx, tx, *input.OfferID, enums.OfferStatusAccepted); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "bind offer to payment")
		}
	}

	return created, nil
}

func (s *service) AttachGatewaySessionWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, sessionID string) error {
	if sessionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "gateway session id is required")
	}
	repo := s.repo.WithTx(tx)
	transaction, err := repo.FindByID(ctx, id)
	if err != nil {
		return mapLookupErr(err, "transaction not found")
	}
	transaction.GatewaySessionID = &sessionID
	if err := repo.Save(ctx, transaction); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach gateway session")
	}
	return nil
}

// ApplyEventWithTx locks the row, runs the state machine, and applies the
// event's writes plus listing/offer side effects inside the caller's
// transaction. A no-op transition leaves everything untouched.
func (s *service) ApplyEventWithTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, event enums.TransactionEvent, opts EventOptions) (*models.Transaction, Transition, error) {
	repo := s.repo.WithTx(tx)

	transaction, err := repo.FindByIDForUpdate(ctx, id)
	if err != nil {
		return nil, Transition{}, mapLookupErr(err, "transaction not found")
	}

	transition, err := Apply(transaction.Status, event)
	if err != nil {
		return nil, Transition{}, err
	}
	if transition.NoOp {
		return transaction, transition, nil
	}

	switch event {
	case enums.TransactionEventPaymentSucceeded:
		now := time.Now().UTC()
		transaction.Status = enums.TransactionStatusCompleted
		transaction.CompletedAt = &now
		if err := s.listings.SetStatus(ctx, tx, transaction.ListingID, enums.ListingStatusSold); err != nil {
			return nil, Transition{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark listing sold")
		}
		if transaction.OfferID != nil {
			if err := s.offers.SetStatus(ctx, tx, *transaction.OfferID, enums.OfferStatusCompleted); err != nil {
				return nil, Transition{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete offer")
			}
		}

	case enums.TransactionEventPaymentFailed:
		transaction.Status = enums.TransactionStatusFailed
		transaction.Metadata.FailureCode = opts.FailureCode
		transaction.Metadata.FailureMessage = opts.FailureMessage
		if err := s.listings.SetStatus(ctx, tx, transaction.ListingID, enums.ListingStatusAvailable); err != nil {
			return nil, Transition{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release listing")
		}
		if transaction.OfferID != nil {
			if err := s.offers.SetStatus(ctx, tx, *transaction.OfferID, enums.OfferStatusRejected); err != nil {
				return nil, Transition{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reject offer")
			}
		}

	case enums.TransactionEventRefundRequested:
		if transaction.RefundStatus == enums.RefundStatusProcessing {
			return nil, Transition{}, pkgerrors.New(pkgerrors.CodeConflict, "a refund is already in progress")
		}
		amount := transaction.Amount
		if opts.RefundAmount != nil {
			if opts.RefundAmount.LessThanOrEqual(decimal.Zero) || opts.RefundAmount.GreaterThan(transaction.Amount) {
				return nil, Transition{}, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive and at most the transaction amount")
			}
			amount = *opts.RefundAmount
		}
		transaction.RefundStatus = enums.RefundStatusProcessing
		transaction.RefundAmount = &amount
		transaction.Metadata.RefundReason = opts.RefundReason

	case enums.TransactionEventRefundCompleted:
		if transaction.RefundStatus != enums.RefundStatusProcessing {
			return nil, Transition{}, pkgerrors.New(pkgerrors.CodeConflict, "no refund in progress for this transaction")
		}
		transaction.Status = enums.TransactionStatusRefunded
		transaction.RefundStatus = enums.RefundStatusCompleted
		if transaction.RefundAmount == nil {
			amount := transaction.Amount
			transaction.RefundAmount = &amount
		}

	case enums.TransactionEventRefundFailed:
		transaction.RefundStatus = enums.RefundStatusFailed
		transaction.Metadata.FailureCode = opts.FailureCode
		transaction.Metadata.FailureMessage = opts.FailureMessage
	}

	if err := repo.Save(ctx, transaction); err != nil {
		return nil, Transition{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist transaction")
	}

	return transaction, transition, nil
}

func (s *service) RequestRefund(ctx context.Context, input RefundRequest) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		transaction, _, err := s.ApplyEventWithTx(ctx, tx, input.TransactionID, enums.TransactionEventRefundRequested, EventOptions{
			RefundAmount: input.Amount,
			RefundReason: input.Reason,
		})
		if err != nil {
			return err
		}
		out = transaction
		return nil
	})
	if err != nil {
		return nil, err
	}

	refCtx := s.logger.WithTransactionID(ctx, input.TransactionID.String())
	s.logger.Info(refCtx, "refund staged")
	return out, nil
}

func (s *service) CompleteRefund(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		transaction, _, err := s.ApplyEventWithTx(ctx, tx, id, enums.TransactionEventRefundCompleted, EventOptions{})
		if err != nil {
			return err
		}
		out = transaction
		return nil
	})
	if err != nil {
		return nil, err
	}

	refCtx := s.logger.WithTransactionID(ctx, id.String())
	s.logger.Info(refCtx, "refund completed")
	return out, nil
}

func mapLookupErr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
