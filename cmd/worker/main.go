package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/providers/model"
	"server/internal/queue"
	"server/internal/storage"
	"server/internal/worker"
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

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runtime, err := model.NewRuntime(model.Options{
		BaseURL: cfg.ModelRuntimeURL,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure model runtime")
	}
	models := model.NewRegistry(runtime)

	store, err := newBlobStore(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	q := queue.New(rdb, cfg.QueuePrefix, cfg.ResultTTL)
	artifacts := repo.NewArtifactRepository(pool)
	if err := artifacts.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: ensure artifact schema failed")
	}
	handler := worker.NewHandler(models, store, artifacts, &logger)

	workerID := fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
	p := worker.NewPool(workerID, q, handler, models, &logger, cfg.WorkerConcurrency)

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func newBlobStore(cfg *infra.Config, logger *infra.Logger) (storage.BlobStore, error) {
	if cfg.CloudinaryConfigured() {
		return storage.NewCloudinaryStore(storage.CloudinaryOptions{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Logger:    logger,
		})
	}
	logger.Warn().Msg("worker: cloudinary credentials missing, using filesystem storage")
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "worker"
	}
	return name
}
