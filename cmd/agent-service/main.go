package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/internal/observability"
	"github.com/upb/audit-control-plane/routes"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize dependencies", zap.Error(err))
	}
	if err := deps.Start(); err != nil {
		logger.Fatal("failed to start services", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent service listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	deps.Shutdown(shutdownCtx)
	logger.Info("agent service stopped")
}
