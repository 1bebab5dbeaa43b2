package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/field-outbox/internal/api"
	"github.com/Guizzs26/field-outbox/internal/broker"
	"github.com/Guizzs26/field-outbox/internal/config"
	"github.com/Guizzs26/field-outbox/internal/connectivity"
	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/internal/service"
	"github.com/Guizzs26/field-outbox/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	if err := cfg.Validate(); err != nil {
		logger.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: queue store unavailable", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sender, err := broker.FromConfig(cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: sender setup failed", "sender", cfg.Sender, "error", err)
		os.Exit(1)
	}
	defer sender.Close()

	coordinator := service.NewSyncCoordinator(store, sender, logger, service.Options{
		SendTimeout:          cfg.SendTimeout,
		RejectAlertThreshold: cfg.RejectAlertThreshold,
		RetryBackoff:         infra.NewBackoff(cfg.RetryMin, cfg.RetryMax, 2.0),
		RecoveryInterval:     cfg.RecoverInterval,
	})

	monitor := connectivity.NewMonitor(cfg.ProbeURL, cfg.ProbeInterval, logger)
	go monitor.Run(ctx)

	server := api.NewServer(cfg.ListenAddr, api.NewHandler(coordinator, logger))
	go func() {
		logger.Info("Local API online", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Local API failed", "error", err)
			stop()
		}
	}()

	logger.Info("Field outbox relay started",
		"pid", os.Getpid(),
		"store", cfg.StoreDriver,
		"sender", cfg.Sender,
		"probe_url", cfg.ProbeURL,
	)

	coordinator.Run(ctx, monitor.Changes())

	logger.Info("Shutting down, queued records stay on disk")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Local API shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
