package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/tradehub/negotiation/internal/api/http"
	"github.com/tradehub/negotiation/internal/application/auth"
	"github.com/tradehub/negotiation/internal/application/expiry"
	"github.com/tradehub/negotiation/internal/application/invalidation"
	"github.com/tradehub/negotiation/internal/application/lock"
	"github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/application/ordering"
	"github.com/tradehub/negotiation/internal/application/visibility"
	"github.com/tradehub/negotiation/internal/config"
	"github.com/tradehub/negotiation/internal/coord/client"
	"github.com/tradehub/negotiation/internal/domain/coordination"
	"github.com/tradehub/negotiation/internal/domain/event"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
	"github.com/tradehub/negotiation/internal/infrastructure/postgres"
	"github.com/tradehub/negotiation/internal/infrastructure/queue"
	"github.com/tradehub/negotiation/internal/infrastructure/sse"
	"github.com/tradehub/negotiation/internal/infrastructure/tracing"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint: cfg.OtelEndpoint,
		Insecure: cfg.OtelInsecure,
	})
	if err != nil {
		log.Fatalf("tracing error: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	negotiationRepo := postgres.NewNegotiationRepository(pool)
	catalogReader := postgres.NewCatalogReader(pool)
	directory := postgres.NewDirectoryReader(pool)
	sessionRepo := postgres.NewSessionRepository(pool)
	orderLedger := postgres.NewOrderLedger(pool)

	// coordination
	var (
		store  coordination.Store
		purger expiry.Purger
	)
	switch cfg.CoordinationBackend {
	case config.CoordinationRaft:
		raftStore, err := client.New(cfg.CoordinationEndpoints, &http.Client{Timeout: 5 * time.Second}, logger)
		if err != nil {
			log.Fatalf("coordination error: %v", err)
		}
		// coordnode purges its own state
		store = raftStore
	case config.CoordinationMemory:
		logger.Warn().Msg("in-process coordination store: locks are not shared across instances")
		memStore := memory.NewCoordinationStore()
		store, purger = memStore, memStore
	default:
		pgStore := postgres.NewCoordinationStore(pool)
		store, purger = pgStore, pgStore
	}

	// messaging
	brokerCfg := queue.Config{
		URL:        cfg.RabbitMQURL,
		Brokers:    cfg.KafkaBrokers,
		MaxRetries: cfg.BrokerMaxRetries,
		RetryDelay: cfg.BrokerRetryDelay,
		Topics:     []string{cfg.CatalogEventsTopic, cfg.NotificationTopic},
	}
	var broker queue.Broker
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		broker, err = queue.NewRabbitMQBroker(brokerCfg, logger)
	case config.BrokerKafka:
		broker, err = queue.NewKafkaBroker(brokerCfg, logger)
	default:
		broker = queue.NewMemoryBroker(brokerCfg)
	}
	if err != nil {
		log.Fatalf("broker error: %v", err)
	}
	defer broker.Close()

	// services
	sseHub := sse.NewHub(logger)
	notifier := event.Fanout{sseHub, queue.NewNotifier(broker, cfg.NotificationTopic)}

	locks := lock.NewManager(store, cfg.LockTTL, logger)
	vis := visibility.NewManager(store, cfg.VisibilityTTL, logger)
	negotiationSvc := negotiation.NewService(
		negotiationRepo,
		catalogReader,
		directory,
		locks,
		vis,
		notifier,
		negotiation.Config{LockTTL: cfg.LockTTL, InactivityWindow: cfg.InactivityWindow},
		logger,
	)
	bridge := ordering.NewBridge(negotiationRepo, catalogReader, orderLedger, cfg.InactivityWindow, logger)
	authSvc := auth.NewService(sessionRepo, directory, cfg.CheckoutAPIKeyHash, logger)

	// background loops
	watcher := invalidation.NewWatcher(negotiationRepo, negotiationSvc, logger)
	if err := watcher.Start(ctx, broker, cfg.CatalogEventsTopic); err != nil {
		log.Fatalf("watcher error: %v", err)
	}

	sweeper := expiry.NewSweeper(negotiationRepo, negotiationSvc, purger, expiry.Config{
		Window:   cfg.InactivityWindow,
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
	}, logger)
	go sweeper.Run(ctx)

	// API server
	apiServer := httpapi.NewServer(negotiationSvc, bridge, authSvc, sseHub, cfg.SessionCookieName, cfg.AdminRole, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("coordination", cfg.CoordinationBackend).
			Str("broker", cfg.Broker).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()
	sseHub.Stop()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := shutdownTracing(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
