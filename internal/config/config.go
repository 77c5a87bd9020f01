// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 既定の画像説明プロンプト
const DefaultDescriptionPrompt = "Describe this image in detail. Include what type of visual it is (chart, diagram, photo, etc.), main content, any text visible, and key insights."

// QueueBackend はジョブ実行基盤の種類を表します。
const (
	QueueBackendMemory = "memory"
	QueueBackendAsynq  = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）
	WorkDir     string // アップロードファイルの一時保存先

	// 結果キャッシュ設定
	ResultsTTLSeconds          int // 解析結果の保持期間（秒）
	ResultSweepIntervalSeconds int // 期限切れ結果の掃除間隔（秒）

	// ジョブ/キュー設定
	MaxConcurrentJobs int    // 同時に実行する解析ジョブ数
	JobQueueSize      int    // 実行待ちジョブの上限
	JobTimeoutSeconds int    // 1ジョブあたりの制限時間（秒）
	QueueBackend      string // memory または asynq
	QueueRedisURL     string // Asynq用Redis接続URL
	JobResultBaseURL  string // 状態/結果URLのベース（空の場合は相対パス）

	// 解析の既定値
	DefaultParsingMode   string  // standard, ocr, fast, high_quality
	DefaultImageScale    float64 // 画像抽出時の解像度倍率
	DefaultExtractImages bool    // 画像抽出の既定値
	DefaultExtractTables bool    // 表抽出の既定値

	// 画像説明設定
	DefaultDescriptionPrompt  string
	DescriptionTimeoutSeconds int
	GeminiAPIKey              string
	GeminiModel               string
	GeminiBaseURL             string
	OpenAIAPIKey              string
	OpenAIModel               string
	OpenAIBaseURL             string

	// OCR設定
	TesseractPath string // tesseract実行ファイルのパス
	TesseractLang string // tesseractの言語指定
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB
		WorkDir:     getEnv("WORK_DIR", filepath.Join(os.TempDir(), "parse-forge")),

		// 結果キャッシュ設定
		ResultsTTLSeconds:          getEnvAsInt("RESULTS_TTL_SECONDS", 3600),
		ResultSweepIntervalSeconds: getEnvAsInt("RESULT_SWEEP_INTERVAL_SECONDS", 60),

		// ジョブ/キュー設定
		MaxConcurrentJobs: getEnvAsInt("MAX_CONCURRENT_JOBS", 5),
		JobQueueSize:      getEnvAsInt("JOB_QUEUE_SIZE", 1000),
		JobTimeoutSeconds: getEnvAsInt("JOB_TIMEOUT_SECONDS", 300),
		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendMemory)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobResultBaseURL:  getEnv("JOB_RESULT_BASE_URL", ""),

		// 解析の既定値
		DefaultParsingMode:   getEnv("DEFAULT_PARSING_MODE", "standard"),
		DefaultImageScale:    getEnvAsFloat64("DEFAULT_IMAGE_SCALE", 2.0),
		DefaultExtractImages: getEnvAsBool("DEFAULT_EXTRACT_IMAGES", true),
		DefaultExtractTables: getEnvAsBool("DEFAULT_EXTRACT_TABLES", true),

		// 画像説明設定
		DefaultDescriptionPrompt:  getEnv("DEFAULT_DESCRIPTION_PROMPT", DefaultDescriptionPrompt),
		DescriptionTimeoutSeconds: getEnvAsInt("DESCRIPTION_TIMEOUT_SECONDS", 60),
		GeminiAPIKey:              getEnv("GEMINI_API_KEY", ""),
		GeminiModel:               getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:             getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:              getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:               getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL:             getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		// OCR設定
		TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
		TesseractLang: getEnv("TESSERACT_LANG", "eng"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.ResultsTTLSeconds <= 0 {
		return fmt.Errorf("RESULTS_TTL_SECONDS must be positive")
	}
	if c.ResultSweepIntervalSeconds <= 0 {
		return fmt.Errorf("RESULT_SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive")
	}
	if c.JobQueueSize <= 0 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be positive")
	}
	if c.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("JOB_TIMEOUT_SECONDS must be positive")
	}
	if c.DefaultImageScale < 1.0 || c.DefaultImageScale > 4.0 {
		return fmt.Errorf("DEFAULT_IMAGE_SCALE must be between 1.0 and 4.0")
	}

	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when QUEUE_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND: %s", c.QueueBackend)
	}

	// 本番環境では作業ディレクトリの明示を必須とする
	if c.GinMode == "release" {
		if os.Getenv("WORK_DIR") == "" {
			return fmt.Errorf("WORK_DIR is required in release mode")
		}
	}

	return nil
}

// ResultsTTL は結果の保持期間を返します。
func (c *Config) ResultsTTL() time.Duration {
	return time.Duration(c.ResultsTTLSeconds) * time.Second
}

// SweepInterval は掃除間隔を返します。
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.ResultSweepIntervalSeconds) * time.Second
}

// JobTimeout はジョブの制限時間を返します。
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// DescriptionTimeout は画像説明APIの制限時間を返します。
func (c *Config) DescriptionTimeout() time.Duration {
	return time.Duration(c.DescriptionTimeoutSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat64 は環境変数を浮動小数として取得します。
func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
