package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepost-market/tradepost-backend/api/responses"
	"github.com/tradepost-market/tradepost-backend/api/validators"
	"github.com/tradepost-market/tradepost-backend/internal/payments"
	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// AdminTransactionDetail returns any ledger row, regardless of ownership.
func AdminTransactionDetail(svc transactions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transactions service unavailable"))
			return
		}

		transactionID, err := transactionIDFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.Get(r.Context(), transactionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newTransactionResponse(txn))
	}
}

// AdminRequestRefund stages a refund against a completed transaction. The
// amount defaults to the full ledger amount when omitted.
func AdminRequestRefund(svc transactions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transactions service unavailable"))
			return
		}

		transactionID, err := transactionIDFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload refundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.RequestRefund(r.Context(), transactions.RefundRequest{
			TransactionID: transactionID,
			Amount:        payload.Amount,
			Reason:        payload.Reason,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, newTransactionResponse(txn))
	}
}

// AdminCompleteRefund settles a staged refund when the gateway cannot deliver
// the refund webhook (manual rails, support tooling).
func AdminCompleteRefund(svc transactions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "transactions service unavailable"))
			return
		}

		transactionID, err := transactionIDFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, err := svc.CompleteRefund(r.Context(), transactionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newTransactionResponse(txn))
	}
}

type webhookEventResponse struct {
	ID              uuid.UUID  `json:"id"`
	Provider        string     `json:"provider"`
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	TransactionID   *uuid.UUID `json:"transaction_id,omitempty"`
	Processed       bool       `json:"processed"`
	ProcessingError *string    `json:"processing_error,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
}

func newWebhookEventResponse(event *models.WebhookEvent) webhookEventResponse {
	if event == nil {
		return webhookEventResponse{}
	}
	return webhookEventResponse{
		ID:              event.ID,
		Provider:        string(event.Provider),
		EventID:         event.EventID,
		EventType:       event.EventType,
		TransactionID:   event.TransactionID,
		Processed:       event.Processed,
		ProcessingError: event.ProcessingError,
		ReceivedAt:      event.ReceivedAt,
	}
}

// AdminUnprocessedWebhookEvents lists deliveries stuck without a ledger
// outcome, oldest first.
func AdminUnprocessedWebhookEvents(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", 100, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		events, err := svc.ListUnprocessedEvents(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]webhookEventResponse, 0, len(events))
		for i := range events {
			out = append(out, newWebhookEventResponse(&events[i]))
		}
		responses.WriteSuccess(w, out)
	}
}
