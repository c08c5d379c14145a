package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/datamorph/internal/blob"
	"github.com/JonMunkholm/datamorph/internal/config"
	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/database"
	"github.com/JonMunkholm/datamorph/internal/queue"
	"github.com/JonMunkholm/datamorph/internal/trainer"
)

// runtime is the set of live collaborators behind one Service.
type runtime struct {
	pool    *pgxpool.Pool
	queue   *queue.Redis
	blobs   *blob.S3
	service *core.Service
}

// openRuntime connects to PostgreSQL, Redis and S3 and builds the Service.
// Callers must Close it.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{pool: pool}

	if rt.queue, err = queue.NewRedis(ctx, cfg.Redis); err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if rt.blobs, err = blob.NewS3(ctx, cfg.Storage); err != nil {
		rt.Close()
		return nil, fmt.Errorf("configure s3: %w", err)
	}

	rt.service = core.NewService(database.NewStore(pool), rt.blobs, rt.queue, trainer.Baseline{}, serviceOptions(cfg))
	return rt, nil
}

// serviceOptions maps configuration onto the Service's knobs.
func serviceOptions(cfg *config.Config) core.Options {
	policy := func(attempts int) core.RetryPolicy {
		return core.RetryPolicy{
			MaxAttempts: attempts,
			BaseBackoff: cfg.Jobs.BaseBackoff,
			MaxBackoff:  cfg.Jobs.MaxBackoff,
		}
	}
	return core.Options{
		PresignTTL: cfg.Storage.PresignTTL,
		Retry: map[core.JobKind]core.RetryPolicy{
			core.JobExtraction: policy(cfg.Jobs.ExtractionMaxAttempts),
			core.JobExport:     policy(cfg.Jobs.ExportMaxAttempts),
			core.JobTraining:   policy(cfg.Jobs.TrainingMaxAttempts),
		},
		JobTimeout:  cfg.Jobs.Timeout,
		MaxFileSize: cfg.Upload.MaxFileSize,
		Limiter:     core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		StaleAfter:  cfg.Sweeper.StaleAfter,
		SweepBatch:  cfg.Sweeper.BatchSize,
	}
}

// Close releases connections. Safe on a partially opened runtime.
func (rt *runtime) Close() {
	if rt.queue != nil {
		if err := rt.queue.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
