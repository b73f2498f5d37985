package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tradepost-market/tradepost-backend/api/routes"
	"github.com/tradepost-market/tradepost-backend/internal/listings"
	"github.com/tradepost-market/tradepost-backend/internal/offers"
	"github.com/tradepost-market/tradepost-backend/internal/payments"
	"github.com/tradepost-market/tradepost-backend/internal/transactions"
	"github.com/tradepost-market/tradepost-backend/internal/webhookaudit"
	"github.com/tradepost-market/tradepost-backend/pkg/config"
	"github.com/tradepost-market/tradepost-backend/pkg/db"
	"github.com/tradepost-market/tradepost-backend/pkg/gateway"
	"github.com/tradepost-market/tradepost-backend/pkg/logger"
	"github.com/tradepost-market/tradepost-backend/pkg/metrics"
	"github.com/tradepost-market/tradepost-backend/pkg/migrate"
	"github.com/tradepost-market/tradepost-backend/pkg/mobilepay"
	"github.com/tradepost-market/tradepost-backend/pkg/redis"
	"github.com/tradepost-market/tradepost-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	var gatewayClients []gateway.Client
	if cfg.Stripe.APIKey != "" {
		stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create stripe client", err)
			os.Exit(1)
		}
		gatewayClients = append(gatewayClients, stripeClient)
	}
	if cfg.MobilePay.BaseURL != "" {
		mobilePayClient, err := mobilepay.NewClient(context.Background(), cfg.MobilePay, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create mobilepay client", err)
			os.Exit(1)
		}
		gatewayClients = append(gatewayClients, mobilePayClient)
	}
	if len(gatewayClients) == 0 {
		logg.Error(context.Background(), "no payment gateway configured", nil)
		os.Exit(1)
	}
	registry := gateway.NewRegistry(gatewayClients...)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	paymentMetrics := metrics.NewPaymentMetrics(metricsRegistry)

	listingsRepo := listings.NewRepository(dbClient.DB())
	offersRepo := offers.NewRepository(dbClient.DB())
	auditRepo := webhookaudit.NewRepository(dbClient.DB())

	transactionsService, err := transactions.NewService(
		transactions.NewRepository(dbClient.DB()),
		dbClient,
		listingsRepo,
		offersRepo,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create transactions service", err)
		os.Exit(1)
	}

	guard, err := payments.NewIdempotencyGuard(redisClient, cfg.Checkout.WebhookDedupeTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}

	paymentsService, err := payments.NewService(
		dbClient,
		transactionsService,
		listingsRepo,
		offersRepo,
		auditRepo,
		registry,
		cfg.Checkout,
		paymentMetrics,
		guard,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":       cfg.App.Env,
		"addr":      addr,
		"providers": len(gatewayClients),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, metricsRegistry, transactionsService, paymentsService),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
