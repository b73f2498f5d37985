package webhooks

import (
	"io"
	"net/http"

	"github.com/tradepost-market/tradepost-backend/api/responses"
	"github.com/tradepost-market/tradepost-backend/internal/payments"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	pkgerrors "github.com/tradepost-market/tradepost-backend/pkg/errors"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
	"github.com/tradepost-market/tradepost-backend/pkg/mobilepay"
)

// MobilePayWebhook receives mobile-money rail deliveries.
func MobilePayWebhook(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(mobilepay.SignatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignature, "mobilepay signature missing"))
			return
		}

		if err := svc.HandleWebhook(ctx, enums.PaymentProviderMobilePay, payload, signature); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}
