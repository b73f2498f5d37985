package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradepost-market/tradepost-backend/api/controllers"
	webhookcontrollers "github.com/tradepost-market/tradepost-backend/api/controllers/webhooks"
	"github.com/tradepost-market/tradepost-backend/api/middleware"
	"github.com/tradepost-market/tradepost-backend/internal/payments"
	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/db"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
	"github.com/tradepost-market/tradepost-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	metricsRegistry *prometheus.Registry,
	transactionsService transactions.Service,
	paymentsService payments.Service,
) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	checkoutPolicy := middleware.NewCheckoutRateLimitPolicy(
		"checkout",
		cfg.RateLimit.CheckoutWindow,
		cfg.RateLimit.CheckoutIPLimit,
		cfg.RateLimit.CheckoutUserLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	if metricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(paymentsService, logg))
		r.Post("/mobilepay", webhookcontrollers.MobilePayWebhook(paymentsService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.With(middleware.CheckoutRateLimit(checkoutPolicy, redisClient, logg)).
			Post("/payments/checkout", controllers.Checkout(paymentsService, logg))

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", controllers.TransactionsList(transactionsService, logg))
			r.Get("/{transactionId}", controllers.TransactionDetail(transactionsService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(string(enums.UserRoleAdmin), logg))

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{transactionId}", controllers.AdminTransactionDetail(transactionsService, logg))
			r.Post("/{transactionId}/refund", controllers.AdminRequestRefund(transactionsService, logg))
			r.Post("/{transactionId}/refund/complete", controllers.AdminCompleteRefund(transactionsService, logg))
		})
		r.Get("/webhook-events/unprocessed", controllers.AdminUnprocessedWebhookEvents(paymentsService, logg))
	})

	return r
}
