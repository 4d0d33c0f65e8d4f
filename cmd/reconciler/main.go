package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reconciler/internal/app/reconciliation"
	"reconciler/internal/app/webhook"
	"reconciler/internal/catalog"
	"reconciler/internal/config"
	"reconciler/internal/domain"
	"reconciler/internal/entitlement"
	"reconciler/internal/gateway"
	"reconciler/internal/gateway/card"
	"reconciler/internal/gateway/wallet"
	orders_http "reconciler/internal/handler/http/orders"
	kafka_handler "reconciler/internal/handler/kafka"
	"reconciler/internal/idempotency"
	"reconciler/internal/infrastructure/database"
	kafka_infra "reconciler/internal/infrastructure/kafka"
	"reconciler/internal/ledger"
	"reconciler/internal/outbox"
	"reconciler/internal/repository/ledger_repo"
)

func newLogger() (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	return zapConfig.Build()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Reconciler stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLogger *zap.Logger) error {
	appLogger.Info("Reconciler starting...",
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("idempotency_backend", cfg.IdempotencyBackend),
	)
	ctxMain, cancelMain := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelMain()

	var db *sql.DB
	if cfg.UsesPostgres() {
		appLogger.Info("Waiting for database to be available...")
		var err error
		db, err = database.ConnectWithRetry(database.DBConfig{
			Host:     cfg.DBConfig.Host,
			Port:     cfg.DBConfig.Port,
			User:     cfg.DBConfig.User,
			Password: cfg.DBConfig.Password,
			DBName:   cfg.DBConfig.Name,
			SSLMode:  cfg.DBConfig.SSLMode,
		}, 10, 5*time.Second, appLogger)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			}
		}()

		appLogger.Info("Running database migrations...")
		if err := database.RunMigrations(cfg.GetDBMigrationConnectionString()); err != nil {
			return err
		}
	}

	kafkaBrokers := cfg.GetKafkaBrokers()
	topicsCtx, cancelTopics := context.WithTimeout(ctxMain, 10*time.Second)
	err := kafka_infra.EnsureTopics(topicsCtx, kafkaBrokers, []string{
		cfg.KafkaPaymentStatusTopic,
		cfg.KafkaEntitlementTopic,
		cfg.KafkaRefundRequestsTopic,
	}, appLogger)
	cancelTopics()
	if err != nil {
		return fmt.Errorf("failed to ensure Kafka topics: %w", err)
	}

	store, outboxSource, cat, err := newLedgerStore(cfg, db, appLogger)
	if err != nil {
		return err
	}
	keys, closeKeys, err := newIdempotencyStore(ctxMain, cfg, db, appLogger)
	if err != nil {
		return err
	}
	defer closeKeys()

	kafkaProducer := kafka_infra.NewProducer(kafkaBrokers, appLogger.With(zap.String("component", "KafkaProducer")))
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}()

	registry := newGatewayRegistry(ctxMain, cfg, keys, appLogger)
	orderLedger := ledger.New(store, cat, cfg.KafkaPaymentStatusTopic, appLogger.With(zap.String("component", "Ledger")))
	entitlements := entitlement.NewPublisher(kafkaProducer, cfg.KafkaEntitlementTopic,
		appLogger.With(zap.String("component", "EntitlementPublisher")))

	service := reconciliation.NewService(orderLedger, registry, keys, entitlements, reconciliation.Options{
		AbandonAfter:   cfg.AbandonAfter,
		StaleAfter:     cfg.StaleAfter,
		SweepBatch:     cfg.SweepBatch,
		RefreshTimeout: cfg.HTTPRequestTimeout,
	}, appLogger.With(zap.String("component", "ReconciliationService")))
	ingress := webhook.NewIngress(registry, service, appLogger)

	router := orders_http.NewRouter(orders_http.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.HTTPRequestTimeout,
	}, service, ingress, appLogger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	outboxProcessor := outbox.NewProcessor(
		outboxSource,
		kafkaProducer,
		cfg.OutboxPollInterval,
		cfg.OutboxPollTimeout,
		cfg.OutboxBatchSize,
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)

	refundConsumer := kafka_infra.NewConsumer(
		kafkaBrokers,
		cfg.KafkaConsumerGroup,
		cfg.KafkaRefundRequestsTopic,
		appLogger.With(zap.String("component", "RefundRequestsConsumer")),
	)
	refundHandler := kafka_handler.RefundRequestMessageHandler(orderLedger, keys,
		appLogger.With(zap.String("component", "RefundRequestHandler")))

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		outboxProcessor.Start(ctxMain)
		appLogger.Info("Outbox Processor stopped.")
	}()
	go func() {
		defer workers.Done()
		service.RunSweeper(ctxMain, cfg.SweepInterval)
	}()
	go func() {
		defer workers.Done()
		if err := refundConsumer.Start(ctxMain, refundHandler); err != nil {
			appLogger.Error("Refund requests consumer closed with error", zap.Error(err))
		}
		appLogger.Info("Refund requests consumer stopped.")
	}()

	var runErr error
	select {
	case <-ctxMain.Done():
		appLogger.Info("Shutting down application...")
	case runErr = <-serverErr:
		appLogger.Error("HTTP server failed", zap.Error(runErr))
		cancelMain()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	}

	outboxProcessor.Stop()
	refundConsumer.Stop()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("Application gracefully shut down.")
	case <-shutdownCtx.Done():
		appLogger.Warn("Background workers did not stop in time")
	}
	return runErr
}

func newLedgerStore(cfg *config.Config, db *sql.DB, logger *zap.Logger) (ledger_repo.Store, ledger_repo.OutboxSource, catalog.Catalog, error) {
	if cfg.StorageBackend == "postgres" {
		store := ledger_repo.NewPostgresStore(db, logger.With(zap.String("component", "LedgerStore")))
		return store, store, catalog.NewPostgresCatalog(db), nil
	}

	logger.Warn("Using in-memory ledger; state is lost on restart")
	cat := catalog.NewStaticCatalog()
	if cfg.CatalogFile != "" {
		var err error
		if cat, err = catalog.LoadStaticCatalog(cfg.CatalogFile); err != nil {
			return nil, nil, nil, err
		}
	}
	store := ledger_repo.NewMemoryStore()
	return store, store, cat, nil
}

func newIdempotencyStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (idempotency.Store, func(), error) {
	lease := idempotency.WithPendingLease(cfg.IdempotencyLease)
	switch cfg.IdempotencyBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisConfig.Addr, err)
		}
		logger.Info("Connected to Redis", zap.String("addr", cfg.RedisConfig.Addr))
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Error("Error closing Redis client", zap.Error(err))
			}
		}
		return idempotency.NewRedisStore(client, cfg.IdempotencyTTL, cfg.IdempotencyWait, lease), closeFn, nil
	case "postgres":
		return idempotency.NewPostgresStore(db, cfg.IdempotencyTTL, cfg.IdempotencyWait, lease), func() {}, nil
	default:
		store := idempotency.NewMemoryStore(cfg.IdempotencyTTL, cfg.IdempotencyWait, lease)
		return store, func() { _ = store.Close() }, nil
	}
}

func newGatewayRegistry(ctx context.Context, cfg *config.Config, keys idempotency.Store, logger *zap.Logger) *gateway.Registry {
	transportConfig := func(baseURL string) gateway.TransportConfig {
		return gateway.TransportConfig{
			BaseURL:         baseURL,
			Timeout:         cfg.Gateway.Timeout,
			MaxAttempts:     cfg.Gateway.MaxAttempts,
			InitialBackoff:  cfg.Gateway.InitialBackoff,
			BreakerFailures: cfg.Gateway.BreakerFailures,
			BreakerOpenFor:  cfg.Gateway.BreakerOpenFor,
		}
	}

	var clients []gateway.Client
	if cfg.Card.SecretKey != "" {
		cardLogger := logger.With(zap.String("component", "CardGateway"))
		transport := gateway.NewTransport(domain.GatewayCard, transportConfig(cfg.Card.BaseURL), &http.Client{}, cardLogger)
		client := card.NewClient(card.Config{
			SecretKey:      cfg.Card.SecretKey,
			WebhookSecrets: cfg.Card.WebhookSecret,
			Currencies:     cfg.Card.Currencies,
			Tolerance:      cfg.Gateway.WebhookTolerance,
		}, transport, cardLogger)
		clients = append(clients, gateway.WithIdempotentCapture(client, keys, cardLogger))
	} else {
		logger.Warn("Card gateway disabled: CARD_SECRET_KEY is not set")
	}

	if cfg.Wallet.ClientID != "" {
		walletLogger := logger.With(zap.String("component", "WalletGateway"))
		walletConfig := wallet.Config{
			BaseURL:         cfg.Wallet.BaseURL,
			ClientID:        cfg.Wallet.ClientID,
			ClientSecret:    cfg.Wallet.ClientSecret,
			WebhookID:       cfg.Wallet.WebhookID,
			CertURLPrefixes: cfg.Wallet.CertURLPrefixes,
			ReturnURL:       cfg.Wallet.ReturnURL,
			CancelURL:       cfg.Wallet.CancelURL,
			Currencies:      cfg.Wallet.Currencies,
			Tolerance:       cfg.Gateway.WebhookTolerance,
		}
		base := &http.Client{Timeout: cfg.Gateway.Timeout}
		transport := gateway.NewTransport(domain.GatewayWallet, transportConfig(cfg.Wallet.BaseURL),
			wallet.NewHTTPClient(ctx, walletConfig, base), walletLogger)
		client := wallet.NewClient(walletConfig, transport, base, walletLogger)
		clients = append(clients, gateway.WithIdempotentCapture(client, keys, walletLogger))
	} else {
		logger.Warn("Wallet gateway disabled: WALLET_CLIENT_ID is not set")
	}

	return gateway.NewRegistry(clients...)
}
