package stripe

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
)

// normalizeEvent maps a verified Stripe event onto the shared gateway event.
// Event types outside the payment/refund surface come back as EventKindUnknown
// so callers can acknowledge them without side effects.
func normalizeEvent(event *stripe.Event) (*gateway.Event, error) {
	out := &gateway.Event{
		ID:   event.ID,
		Type: string(event.Type),
		Kind: gateway.EventKindUnknown,
	}
	if event.Data != nil {
		out.Raw = event.Data.Raw
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := sessionFromEvent(event)
		if err != nil {
			return nil, err
		}
		out.Kind = gateway.EventKindPaymentSucceeded
		out.SessionID = session.ID
		out.TransactionID = session.Metadata[MetadataTransactionID]

		// A completed session with payment still pending settles later via
		// async_payment_succeeded/failed.
		if event.Type == stripe.EventTypeCheckoutSessionCompleted &&
			session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			out.Kind = gateway.EventKindUnknown
		}

	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		session, err := sessionFromEvent(event)
		if err != nil {
			return nil, err
		}
		out.Kind = gateway.EventKindPaymentFailed
		out.SessionID = session.ID
		out.TransactionID = session.Metadata[MetadataTransactionID]
		out.FailureCode = "async_payment_failed"
		out.FailureMessage = "asynchronous payment method failed to settle"

	case stripe.EventTypeCheckoutSessionExpired:
		session, err := sessionFromEvent(event)
		if err != nil {
			return nil, err
		}
		out.Kind = gateway.EventKindPaymentFailed
		out.SessionID = session.ID
		out.TransactionID = session.Metadata[MetadataTransactionID]
		out.FailureCode = "session_expired"
		out.FailureMessage = "checkout session expired before payment"

	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := unmarshalEventObject(event, &charge); err != nil {
			return nil, err
		}
		out.Kind = gateway.EventKindRefundSucceeded
		out.TransactionID = charge.Metadata[MetadataTransactionID]

	case stripe.EventTypeRefundFailed:
		var refund stripe.Refund
		if err := unmarshalEventObject(event, &refund); err != nil {
			return nil, err
		}
		out.Kind = gateway.EventKindRefundFailed
		out.TransactionID = refund.Metadata[MetadataTransactionID]
		out.FailureCode = string(refund.FailureReason)
		out.FailureMessage = "refund failed at the card rail"
	}

	return out, nil
}

func sessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := unmarshalEventObject(event, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func unmarshalEventObject(event *stripe.Event, dst any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event payload is empty")
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event object")
	}
	return nil
}
