package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photoforge/internal/adapter/repo"
	"photoforge/internal/infra"
	"photoforge/internal/pipeline"
	"photoforge/internal/providers/image"
	"photoforge/internal/providers/mesh"
	"photoforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: db connection failed")
	}
	defer pool.Close()

	fileStore, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: failed to configure storage")
	}

	providerClient := &http.Client{Timeout: cfg.ProviderTimeout}
	svc := pipeline.NewService(pipeline.Deps{
		Store:   repo.NewStore(pool),
		Gateway: mesh.NewRegistry(),
		Images:  image.NewGemini(image.GeminiConfig{APIKey: cfg.ImageModelAPIKey, BaseURL: cfg.ImageModelBaseURL, HTTPClient: providerClient}),
		Batch:   image.NewGeminiBatch(image.GeminiBatchConfig{APIKey: cfg.ImageModelAPIKey, BaseURL: cfg.ImageBatchBaseURL, HTTPClient: providerClient}),
		Files:   fileStore,
		Logger:  logger,
	})

	tracker := pipeline.NewTracker(svc, cfg.BatchPollEvery, cfg.BatchMaxAge, cfg.PollConcurrency, logger)
	if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("poller: tracker stopped")
	}
	logger.Info().Msg("poller stopped")
}
