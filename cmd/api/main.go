package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/memedex/internal/api"
	"github.com/timmy/memedex/internal/bootstrap"
	"github.com/timmy/memedex/internal/config"
	"github.com/timmy/memedex/internal/logger"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := bootstrap.NewLogger(&cfg.Log, "memedex-api")
	defer func() { _ = logger.Sync() }()

	ctx := appLogger.WithContext(context.Background())
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer app.Close()

	router := api.SetupRouter(app.Engine, &cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":     cfg.Server.Port,
			"mode":     cfg.Server.Mode,
			"database": cfg.Database.Driver,
			"vector":   cfg.Vector.Backend,
			"locks":    cfg.Locks.Backend,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
