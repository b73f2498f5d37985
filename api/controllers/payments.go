package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tradepost-market/tradepost-backend/api/responses"
	"github.com/tradepost-market/tradepost-backend/api/validators"
	"github.com/tradepost-market/tradepost-backend/internal/payments"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
)

type checkoutRequest struct {
	ListingID uuid.UUID  `json:"listing_id" validate:"required,uuid4"`
	OfferID   *uuid.UUID `json:"offer_id,omitempty" validate:"omitempty,uuid4"`
	Provider  string     `json:"provider" validate:"required,oneof=stripe mobilepay"`
}

type checkoutResponse struct {
	Transaction transactionResponse `json:"transaction"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	Reused      bool                `json:"reused"`
	AlreadyPaid bool                `json:"already_paid"`
}

// Checkout opens (or reuses) a hosted payment session for the caller.
func Checkout(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		buyerID, err := userIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		provider, err := enums.ParsePaymentProvider(payload.Provider)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported payment provider"))
			return
		}

		result, err := svc.InitiateCheckout(r.Context(), payments.CheckoutInput{
			BuyerID:   buyerID,
			ListingID: payload.ListingID,
			OfferID:   payload.OfferID,
			Provider:  provider,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if result.Reused || result.AlreadyPaid {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, checkoutResponse{
			Transaction: newTransactionResponse(result.Transaction),
			RedirectURL: result.RedirectURL,
			Reused:      result.Reused,
			AlreadyPaid: result.AlreadyPaid,
		})
	}
}
