package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photoforge/internal/adapter/repo"
	"photoforge/internal/http/handlers"
	"photoforge/internal/http/httpapi"
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

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	fileStore, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	providerClient := &http.Client{Timeout: cfg.ProviderTimeout}
	registry := mesh.NewRegistry(
		mesh.NewMeshy(mesh.MeshyConfig{APIKey: cfg.MeshyAPIKey, BaseURL: cfg.MeshyBaseURL, HTTPClient: providerClient}),
		mesh.NewTripo(mesh.TripoConfig{APIKey: cfg.TripoAPIKey, BaseURL: cfg.TripoBaseURL, HTTPClient: providerClient}),
		mesh.NewHunyuan(mesh.HunyuanConfig{APIKey: cfg.HunyuanAPIKey, BaseURL: cfg.HunyuanBaseURL, HTTPClient: providerClient}),
		mesh.NewTrellis(mesh.TrellisConfig{APIKey: cfg.TrellisAPIKey, BaseURL: cfg.TrellisBaseURL, HTTPClient: providerClient}),
	)

	svc := pipeline.NewService(pipeline.Deps{
		Store:   repo.NewStore(dbpool),
		Gateway: registry,
		Images:  image.NewGemini(image.GeminiConfig{APIKey: cfg.ImageModelAPIKey, BaseURL: cfg.ImageModelBaseURL, HTTPClient: providerClient}),
		Batch:   image.NewGeminiBatch(image.GeminiBatchConfig{APIKey: cfg.ImageModelAPIKey, BaseURL: cfg.ImageBatchBaseURL, HTTPClient: providerClient}),
		Files:   fileStore,
		Logger:  logger,
	})

	app := handlers.NewApp(svc, logger)
	router := httpapi.NewRouter(app, cfg)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
