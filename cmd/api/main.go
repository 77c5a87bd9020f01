// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/config"
	"github.com/yourusername/parse-forge/internal/parse"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

const (
	serviceName    = "parse-forge-api"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = 8 << 20

	// CORSミドルウェアの設定
	router.Use(cors.New(corsConfig(cfg)))

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}

	// ルーティングの設定
	setupRoutes(router, cfg, app)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// サーバーの起動
	go func() {
		logger.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.String("queue_backend", cfg.QueueBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down http server", zap.Error(err))
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("failed to shut down job manager", zap.Error(err))
	}
}

// newLogger は GIN_MODE と LOG_LEVEL に応じたロガーを返します。
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.GinMode == gin.ReleaseMode {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zc.Level = level
	return zc.Build()
}

func corsConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	// ダウンロード時のファイル名とジョブIDをフロントエンドから読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	return corsConfig
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
func healthHandler(app *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		code, status, queue := http.StatusOK, "ok", "ok"
		if err := app.Ping(c.Request.Context()); err != nil {
			code, status, queue = http.StatusServiceUnavailable, "degraded", "unavailable"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": serviceName,
			"version": serviceVersion,
			"queue":   queue,
		})
	}
}

// setupRoutes はヘルスチェックと解析APIの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *app) {
	router.GET("/health", healthHandler(app))

	mode, ok := pipeline.ParseMode(cfg.DefaultParsingMode)
	if !ok {
		mode = pipeline.ModeStandard
	}

	api := router.Group("/api/v1")
	parse.RegisterRoutes(api, parse.RouteConfig{
		Submit: parse.SubmitConfig{
			Jobs:        app.manager,
			Workspaces:  app.workspaces,
			Formats:     app.converter,
			MaxFileSize: cfg.MaxFileSize,
			Defaults: parse.Defaults{
				Mode:              mode,
				ExtractImages:     cfg.DefaultExtractImages,
				ExtractTables:     cfg.DefaultExtractTables,
				ImageScale:        cfg.DefaultImageScale,
				DescriptionPrompt: cfg.DefaultDescriptionPrompt,
			},
			Locator: app.locator,
			Logger:  app.logger,
		},
		Reader: app.manager,
		Info: parse.InfoConfig{
			Service:     serviceName,
			Version:     serviceVersion,
			MimeTypes:   app.converter.SupportedMimeTypes(),
			MaxFileSize: cfg.MaxFileSize,
			ResultTTL:   cfg.ResultsTTL(),
			Available:   app.enricher.Available,
			Stats:       app.manager.Stats,
		},
	})
}
