package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepost-market/tradepost-backend/api/middleware"
	"github.com/tradepost-market/tradepost-backend/api/responses"
	"github.com/tradepost-market/tradepost-backend/api/validators"
	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

const (
	transactionsDefaultLimit = 20
	transactionsMaxLimit     = 100
)

type transactionResponse struct {
	ID               uuid.UUID        `json:"id"`
	ListingID        uuid.UUID        `json:"listing_id"`
	OfferID          *uuid.UUID       `json:"offer_id,omitempty"`
	BuyerID          uuid.UUID        `json:"buyer_id"`
	SellerID         uuid.UUID        `json:"seller_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Quantity         int              `json:"quantity"`
	Status           string           `json:"status"`
	Provider         string           `json:"provider"`
	GatewaySessionID *string          `json:"gateway_session_id,omitempty"`
	RefundStatus     string           `json:"refund_status"`
	RefundAmount     *decimal.Decimal `json:"refund_amount,omitempty"`
	FailureCode      string           `json:"failure_code,omitempty"`
	FailureMessage   string           `json:"failure_message,omitempty"`
	RefundReason     string           `json:"refund_reason,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

func newTransactionResponse(txn *models.Transaction) transactionResponse {
	if txn == nil {
		return transactionResponse{}
	}
	return transactionResponse{
		ID:               txn.ID,
		ListingID:        txn.ListingID,
		OfferID:          txn.OfferID,
		BuyerID:          txn.BuyerID,
		SellerID:         txn.SellerID,
		Amount:           txn.Amount,
		Currency:         string(txn.Currency),
		Quantity:         txn.Quantity,
		Status:           string(txn.Status),
		Provider:         string(txn.Provider),
		GatewaySessionID: txn.GatewaySessionID,
		RefundStatus:     string(txn.RefundStatus),
		RefundAmount:     txn.RefundAmount,
		FailureCode:      txn.Metadata.FailureCode,
		FailureMessage:   txn.Metadata.FailureMessage,
		RefundReason:     txn.Metadata.RefundReason,
		CompletedAt:      txn.CompletedAt,
		CreatedAt:        txn.CreatedAt,
	}
}

func userIDFromContext(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user context")
	}
	return id, nil
}

func transactionIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction id")
	}
	return id, nil
}

// TransactionsList returns the caller's ledger rows, newest first.
func TransactionsList(svc transactions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transactions service unavailable"))
			return
		}

		userID, err := userIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", transactionsDefaultLimit, 1, transactionsMaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1<<30)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListForUser(r.Context(), userID, limit, offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]transactionResponse, 0, len(rows))
		for i := range rows {
			out = append(out, newTransactionResponse(&rows[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

// TransactionDetail returns a single ledger row visible to the caller.
func TransactionDetail(svc transactions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transactions service unavailable"))
			return
		}

		userID, err := userIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		transactionID, err := transactionIDFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.GetForUser(r.Context(), transactionID, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newTransactionResponse(txn))
	}
}
