package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/extensionbay/registry/internal/adapters/auth"
	"github.com/extensionbay/registry/internal/adapters/storage"
	"github.com/extensionbay/registry/internal/adapters/validator"
	"github.com/extensionbay/registry/internal/api/handlers"
	"github.com/extensionbay/registry/internal/config"
	"github.com/extensionbay/registry/internal/registry"
	"github.com/extensionbay/registry/internal/util/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := logging.New(os.Stdout, "extension-registry")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if len(cfg.Auth.Tokens) == 0 {
		logger.Fatal().Msg("no auth tokens configured")
	}

	ctx := context.Background()

	// Initialize the storage backend.
	store, err := storage.New(ctx, storage.Config{
		Backend:   cfg.Storage.Backend,
		Directory: cfg.Storage.Directory,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backend")
	}

	// Initialize the registry engine and load the persisted registry.
	engine := registry.New(validator.New(), logger)
	if err := engine.Configure(ctx, store, cfg.Admins); err != nil {
		logger.Fatal().Err(err).Msg("failed to configure registry engine")
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := engine.WaitReady(loadCtx); err != nil {
		logger.Fatal().Err(err).Msg("registry did not load")
	}

	// Initialize HTTP handlers.
	handler := handlers.New(engine, auth.NewTokenAuth(cfg.Auth.Tokens), logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		srv.Close()
	}()

	logger.Info().Str("addr", addr).Msg("starting extension registry server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
