package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/draftgate/draftgate/internal/approval_api/middleware"
	httptransport "github.com/draftgate/draftgate/internal/approval_api/transport/http"
	draftapp "github.com/draftgate/draftgate/internal/draft/app"
	"github.com/draftgate/draftgate/internal/draft/repository"
	memoryrepo "github.com/draftgate/draftgate/internal/draft/repository/memory"
	pgrepo "github.com/draftgate/draftgate/internal/draft/repository/postgres"
	"github.com/draftgate/draftgate/internal/draft/safety"
	"github.com/draftgate/draftgate/internal/platform/config"
	"github.com/draftgate/draftgate/internal/platform/database"
	"github.com/draftgate/draftgate/internal/platform/logger"
	"github.com/draftgate/draftgate/internal/platform/messagebroker"
)

const serviceName = "approval_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Approval service starting...", "port", cfg.ApprovalAPIServicePort)

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

	gate := safety.NewGate(safety.WithBlockedDomains(cfg.SafetyBlockedDomains))
	approvalService := draftapp.NewApprovalService(draftRepo, gate, appLogger)
	draftHandler := httptransport.NewDraftHandler(approvalService, natsClient, appLogger)

	authMW := middleware.AuthMiddleware(middleware.AuthConfig{
		JWTSecret:        cfg.JWTAccessSecret,
		APIKeyBcryptHash: cfg.DraftAPIKeyBcryptHash,
	}, appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(httptransport.PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "Approval service is healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(authMW)
		draftHandler.RegisterRoutes(protected)
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ApprovalAPIServicePort), Handler: r}
	go func() {
		appLogger.Info(fmt.Sprintf("Approval API server listening on port %d", cfg.ApprovalAPIServicePort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed to serve", "error", err)
		}
	}()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	<-quitChan
	appLogger.Info("Shutdown signal received, shutting down HTTP server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	} else {
		appLogger.Info("HTTP server shut down gracefully.")
	}
	appLogger.Info("Approval service shut down.")
}
