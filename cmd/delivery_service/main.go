package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	deliveryapp "github.com/draftgate/draftgate/internal/delivery/app"
	"github.com/draftgate/draftgate/internal/delivery/provider"
	"github.com/draftgate/draftgate/internal/draft/repository"
	memoryrepo "github.com/draftgate/draftgate/internal/draft/repository/memory"
	pgrepo "github.com/draftgate/draftgate/internal/draft/repository/postgres"
	"github.com/draftgate/draftgate/internal/identity"
	"github.com/draftgate/draftgate/internal/platform/config"
	"github.com/draftgate/draftgate/internal/platform/database"
	"github.com/draftgate/draftgate/internal/platform/logger"
	"github.com/draftgate/draftgate/internal/platform/messagebroker"
)

const serviceName = "delivery_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Delivery service starting...",
		"provider", cfg.EmailProvider, "pool_size", cfg.DeliveryWorkerPoolSize)

	var draftRepo repository.DraftRepository
	switch cfg.DraftStoreBackend {
	case "memory":
		appLogger.Warn("Using in-memory draft store; drafts are lost on restart")
		draftRepo = memoryrepo.NewMemDraftRepository()
	default:
		dbPool, err := database.NewDBPool(context.Background(), cfg.PostgresDSN)
		if err != nil {
			appLogger.Error("Failed to connect to PostgreSQL database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		appLogger.Info("Successfully connected to PostgreSQL database")
		draftRepo = pgrepo.NewPgDraftRepository(dbPool)
	}

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	var emailProvider provider.EmailSenderProvider
	switch cfg.EmailProvider {
	case "relay":
		emailProvider = provider.NewRelayEmailProvider(appLogger, cfg.RelayAPIURL, cfg.RelaySenderAddress, nil)
	default:
		appLogger.Warn("Using mock email provider; no real delivery happens")
		emailProvider = provider.NewMockEmailProvider(appLogger)
	}

	// TODO: replace with the identity collaborator's token client once its
	// gRPC surface is published.
	credentials := identity.StaticCredentialSource{Token: os.Getenv("APP_DELIVERY_ACCESS_TOKEN")}

	deliveryService := deliveryapp.NewDeliveryService(draftRepo, emailProvider, credentials, appLogger,
		deliveryapp.DeliveryConfig{
			MaxAttempts:      cfg.DeliveryMaxAttempts,
			BaseBackoff:      time.Duration(cfg.DeliveryBaseBackoffMillis) * time.Millisecond,
			BackoffCap:       time.Duration(cfg.DeliveryBackoffCapMillis) * time.Millisecond,
			TransportTimeout: time.Duration(cfg.TransportTimeoutMillis) * time.Millisecond,
		})

	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	consumer := deliveryapp.NewConsumer(natsClient, deliveryService, appLogger, cfg.DeliveryWorkerPoolSize)
	if err := consumer.Start(appCtx); err != nil {
		appLogger.Error("Failed to start NATS job consumer", "error", err)
		os.Exit(1)
	}

	poller := deliveryapp.NewRetryPoller(draftRepo, natsClient, appLogger,
		time.Duration(cfg.DeliveryRetryPollMillis)*time.Millisecond, cfg.DeliveryRetryBatchSize)
	go poller.Start(appCtx)

	// Metrics endpoint; the worker has no other HTTP surface.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: ":9091", Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Metrics server failed to serve", "error", err)
		}
	}()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quitChan
	appLogger.Info("Shutdown signal received", "signal", receivedSignal.String())

	cancelAppCtx()
	consumer.Stop()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("Metrics server shutdown failed", "error", err)
	}
	appLogger.Info("Delivery service shut down successfully.")
}
