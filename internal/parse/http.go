package parse

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/jobs"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

// JobReader はジョブ状態と解析結果を参照します。
type JobReader interface {
	Status(jobID string) (jobs.StatusView, bool)
	Result(jobID string) jobs.ResultLookup
	List(filter ...jobs.Status) []jobs.StatusView
	DeleteResult(jobID string) bool
}

// resultResponse は解析結果に保持期限を添えた応答です。
type resultResponse struct {
	*jobs.ParseResult
	ExpiresAt time.Time `json:"expiresAt"`
}

// StatusHandler は GET /api/v1/parse/jobs/:id のハンドラーを返します。
func StatusHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		view, found := reader.Status(jobID)
		if !found {
			respondJobNotFound(c, jobID)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ListHandler は GET /api/v1/jobs のハンドラーを返します。
func ListHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter []jobs.Status
		raw := strings.TrimSpace(c.Query("status"))
		if raw != "" {
			status, ok := jobs.ParseStatus(strings.ToLower(raw))
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    CodeInvalidInput,
					"message": "status は pending, processing, completed, failed のいずれかを指定してください。",
				})
				return
			}
			filter = append(filter, status)
		}

		views := reader.List(filter...)
		payload := gin.H{
			"jobs":  views,
			"count": len(views),
		}
		if len(filter) > 0 {
			payload["statusFilter"] = filter[0]
		}
		c.JSON(http.StatusOK, payload)
	}
}

// ResultHandler は GET /api/v1/parse/results/:id のハンドラーを返します。
func ResultHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, resultResponse{ParseResult: lookup.Payload, ExpiresAt: lookup.ExpiresAt})
	}
}

// DeleteResultHandler は DELETE /api/v1/parse/results/:id のハンドラーを返します。
func DeleteResultHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		if !reader.DeleteResult(lookup.Payload.JobID) {
			respondLookup(c, jobs.ResultLookup{Kind: jobs.ResultExpired})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// readyResult は結果が取得可能な場合にそれを返し、そうでなければ応答を書き込みます。
func readyResult(c *gin.Context, reader JobReader) (jobs.ResultLookup, bool) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return jobs.ResultLookup{}, false
	}
	lookup := reader.Result(jobID)
	if lookup.Kind == jobs.ResultReady && lookup.Payload != nil {
		return lookup, true
	}
	if lookup.Kind == jobs.ResultNotFound {
		respondJobNotFound(c, jobID)
		return jobs.ResultLookup{}, false
	}
	respondLookup(c, lookup)
	return jobs.ResultLookup{}, false
}

func respondLookup(c *gin.Context, lookup jobs.ResultLookup) {
	switch lookup.Kind {
	case jobs.ResultStillProcessing:
		c.JSON(http.StatusAccepted, gin.H{
			"code":            CodeProcessing,
			"message":         "文書を解析中です。しばらくしてから再度お試しください。",
			"status":          lookup.Status,
			"progressPercent": lookup.ProgressPercent,
			"statusUrl":       lookup.StatusURL,
		})
	case jobs.ResultParsingFailed:
		message := lookup.ErrorMessage
		if message == "" {
			message = "文書の解析に失敗しました。"
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeParsingFailed,
			"message": message,
		})
	case jobs.ResultExpired:
		c.JSON(http.StatusGone, gin.H{
			"code":    CodeResultExpired,
			"message": "解析結果の保持期限が切れたため取得できません。",
		})
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"code":    CodeJobNotFound,
			"message": "指定されたジョブは存在しません。",
		})
	}
}

func respondJobNotFound(c *gin.Context, jobID string) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    CodeJobNotFound,
		"message": fmt.Sprintf("ジョブ %s は存在しません。", jobID),
	})
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

// InfoConfig は InfoHandler に渡すサービス情報です。
type InfoConfig struct {
	Service     string
	Version     string
	MimeTypes   []string
	MaxFileSize int64
	ResultTTL   time.Duration
	Available   func(describe.Provider) bool
	Stats       func() jobs.Stats
}

// InfoHandler は GET /api/v1/info のハンドラーを返します。
func InfoHandler(cfg InfoConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		providers := make([]gin.H, 0, len(describe.Providers))
		for _, p := range describe.Providers {
			available := p == describe.ProviderNone
			if cfg.Available != nil {
				available = cfg.Available(p)
			}
			providers = append(providers, gin.H{"name": p, "available": available})
		}

		payload := gin.H{
			"service":              cfg.Service,
			"version":              cfg.Version,
			"supportedMimeTypes":   cfg.MimeTypes,
			"supportedExtensions":  SupportedExtensions(),
			"parsingModes":         pipeline.Modes,
			"descriptionProviders": providers,
			"limits": gin.H{
				"maxFileSizeBytes":  cfg.MaxFileSize,
				"resultsTtlSeconds": int64(cfg.ResultTTL / time.Second),
				"imageScaleMin":     pipeline.MinImageScale,
				"imageScaleMax":     pipeline.MaxImageScale,
			},
		}
		if cfg.Stats != nil {
			payload["stats"] = cfg.Stats()
		}
		c.JSON(http.StatusOK, payload)
	}
}
