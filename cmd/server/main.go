// Package main starts the ClipForge API server: the upload task registry,
// the single-lane processing queue, and the HTTP surface in one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/processing"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/retry"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/signing"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer := signing.NewSigner(cfg.SigningSecret)

	var (
		store    blob.Store
		memStore *blob.MemoryStore
		projects repository.ProjectStore
	)
	switch cfg.StorageDriver {
	case "memory":
		// local mode: everything in-process, objects served by the API itself
		memStore = blob.NewMemoryStore(signer, cfg.SignedURLTTL)
		store = memStore
		projects = repository.NewMemoryProjectStore()
		logger.Info().Msg("running with in-memory storage")
	default:
		s3, err := blob.NewMinio(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("init object storage")
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure bucket")
		}
		store = s3

		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("ensure schema")
		}
		projects = repository.NewProjectRepository(pool)
	}

	pipe := &pipeline.Default{
		Transcriber: &pipeline.SimulatedTranscriber{},
		Analyzer:    &pipeline.SimulatedAnalyzer{},
	}
	queue := processing.NewQueue(pipe, projects, cfg.QueueTick, logger)

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.MaxRetries = cfg.MaxChunkRetries
	uploads := service.NewUploadService(store, projects, queue, &media.SimulatedProber{}, &media.SimulatedThumbnailer{}, service.Options{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxFileNameLength: cfg.MaxFileNameLength,
		ChunkSize:         cfg.ChunkSize,
		ChunkConcurrency:  cfg.ChunkConcurrency,
		Retry:             retryPolicy,
		Concurrency:       cfg.UploadConcurrency,
		TaskTTL:           cfg.TaskTTL,
		EvictInterval:     cfg.EvictInterval,
	}, logger)
	queue.OnTaskDone = uploads.SyncProcessingResult

	queue.Start(ctx)
	uploads.Start(ctx)

	srv := api.New(cfg, uploads, queue, projects, logger)
	if memStore != nil {
		srv.ServeLocalObjects(memStore, signer)
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}

	stop()
	uploads.Wait()
	queue.Wait()
}
