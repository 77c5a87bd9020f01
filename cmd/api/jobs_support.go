package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/config"
	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/jobs"
	"github.com/yourusername/parse-forge/internal/pipeline"
	"github.com/yourusername/parse-forge/internal/storage"
)

// app はサーバーが利用するコンポーネント一式です。
type app struct {
	manager    *jobs.Manager
	converter  *pipeline.Router
	enricher   *describe.Enricher
	workspaces *storage.Local
	locator    jobs.Locator
	logger     *zap.Logger

	// キューの疎通確認。メモリキューの場合は nil
	redis *redis.Client
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	workspaces, err := storage.NewLocal(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare work dir: %w", err)
	}
	// 前回の実行で残った作業領域は参照されないので削除する
	if n, err := workspaces.Purge(); err != nil {
		logger.Warn("failed to purge stale workspaces", zap.String("dir", workspaces.Root()), zap.Error(err))
	} else if n > 0 {
		logger.Info("purged stale workspaces", zap.Int("count", n))
	}

	converter := pipeline.NewRouter(
		pipeline.WithLogger(logger),
		pipeline.WithOCR(pipeline.NewTesseract(cfg.TesseractPath, cfg.TesseractLang, logger)),
	)
	enricher := newEnricher(cfg, logger)

	dispatcher, rdb, err := setupDispatcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	locator := jobs.NewLocator(cfg.JobResultBaseURL)
	manager, err := jobs.NewManager(jobs.ManagerConfig{
		ResultTTL:     cfg.ResultsTTL(),
		SweepInterval: cfg.SweepInterval(),
		JobTimeout:    cfg.JobTimeout(),
		Logger:        logger,
	}, jobs.Deps{
		Converter:  converter,
		Enricher:   enricher,
		Workspaces: workspaces,
		Dispatcher: dispatcher,
		Locator:    locator,
	})
	if err != nil {
		closeRedis(rdb, logger)
		return nil, err
	}
	if err := manager.Start(); err != nil {
		closeRedis(rdb, logger)
		return nil, fmt.Errorf("failed to start job dispatcher: %w", err)
	}

	return &app{
		manager:    manager,
		converter:  converter,
		enricher:   enricher,
		workspaces: workspaces,
		locator:    locator,
		logger:     logger,
		redis:      rdb,
	}, nil
}

// setupDispatcher は QUEUE_BACKEND に応じたディスパッチャーを返します。
// asynq の場合はヘルスチェック用の Redis クライアントも返します。
func setupDispatcher(cfg *config.Config, logger *zap.Logger) (jobs.Dispatcher, *redis.Client, error) {
	if cfg.QueueBackend != config.QueueBackendAsynq {
		pool, err := jobs.NewPool(jobs.PoolConfig{
			Workers:   cfg.MaxConcurrentJobs,
			QueueSize: cfg.JobQueueSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return pool, nil, nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to queue redis: %w", err)
	}

	dispatcher, err := jobs.NewAsynqDispatcher(jobs.AsynqConfig{
		RedisURL:    cfg.QueueRedisURL,
		Concurrency: cfg.MaxConcurrentJobs,
		JobTimeout:  cfg.JobTimeout(),
		Logger:      logger,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return dispatcher, rdb, nil
}

// newEnricher は APIキーが設定されている提供元だけを登録した Enricher を返します。
func newEnricher(cfg *config.Config, logger *zap.Logger) *describe.Enricher {
	httpClient := &http.Client{Timeout: cfg.DescriptionTimeout() + 10*time.Second}
	opts := []describe.Option{
		describe.WithTimeout(cfg.DescriptionTimeout()),
		describe.WithDefaultPrompt(cfg.DefaultDescriptionPrompt),
	}

	if g := describe.NewGemini(describe.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	}, httpClient, logger); g != nil {
		opts = append(opts, describe.WithDescriber(describe.ProviderGemini, g))
	}
	if o := describe.NewOpenAI(describe.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	}, httpClient, logger); o != nil {
		opts = append(opts, describe.WithDescriber(describe.ProviderOpenAI, o))
	}

	enricher := describe.NewEnricher(logger, opts...)
	for _, p := range describe.Providers {
		logger.Debug("description provider", zap.String("provider", string(p)), zap.Bool("available", enricher.Available(p)))
	}
	return enricher
}

// Ping はキューの疎通を確認します。
func (a *app) Ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.redis.Ping(ctx).Err()
}

// Close は実行中のジョブを止め、接続を閉じます。
func (a *app) Close(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)
	closeRedis(a.redis, a.logger)
	return err
}

func closeRedis(rdb *redis.Client, logger *zap.Logger) {
	if rdb == nil {
		return
	}
	if err := rdb.Close(); err != nil {
		logger.Warn("failed to close redis client", zap.Error(err))
	}
}
