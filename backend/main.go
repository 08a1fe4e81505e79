package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imalyk/go-asset-pipeline/internal/app"
	"github.com/imalyk/go-asset-pipeline/internal/config"
	"github.com/imalyk/go-asset-pipeline/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "")

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise backend: %v", err)
	}
	defer pipeline.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           pipeline.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("starting backend", "addr", cfg.HTTP.Addr, "bucket", cfg.Minio.UploadsBucket)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("backend stopped with error", "error", err)
		os.Exit(1)
	}
}
