package parse

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/jobs"
	"github.com/yourusername/parse-forge/internal/pipeline"
	"github.com/yourusername/parse-forge/internal/storage"
)

// 受け付ける拡張子
var allowedExtensions = map[string]struct{}{
	".pdf":      {},
	".html":     {},
	".htm":      {},
	".md":       {},
	".markdown": {},
	".txt":      {},
	".png":      {},
	".jpg":      {},
	".jpeg":     {},
	".gif":      {},
	".tif":      {},
	".tiff":     {},
	".webp":     {},
}

// multipart の境界やヘッダー分の余裕
const multipartOverhead = 1 << 20

// 応答に含める処理時間の目安（秒）
const estimatedTimeSeconds = 30

// SupportedExtensions は受け付ける拡張子を昇順で返します。
func SupportedExtensions() []string {
	out := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// JobSubmitter はジョブを登録します。
type JobSubmitter interface {
	Submit(ctx context.Context, jobID string, input jobs.Input) (jobs.Record, error)
}

// WorkspaceCreator はジョブの作業領域を作成します。
type WorkspaceCreator interface {
	Create(jobID string) (*storage.Workspace, error)
}

// FormatChecker は MIME タイプが変換可能かを判定します。
type FormatChecker interface {
	Supports(mimeType string) bool
}

// Defaults はリクエストで省略された解析オプションの既定値です。
type Defaults struct {
	Mode              pipeline.Mode
	ExtractImages     bool
	ExtractTables     bool
	ImageScale        float64
	Language          string
	DescriptionPrompt string
}

// SubmitConfig は SubmitHandler の依存関係です。
type SubmitConfig struct {
	Jobs        JobSubmitter
	Workspaces  WorkspaceCreator
	Formats     FormatChecker
	MaxFileSize int64
	Defaults    Defaults
	Locator     jobs.Locator
	Logger      *zap.Logger
}

// SubmitHandler は POST /api/v1/parse/document のハンドラーを返します。
func SubmitHandler(cfg SubmitConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if cfg.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxFileSize+multipartOverhead)
		}
		file, err := c.FormFile("file")
		if err != nil {
			if isBodyTooLarge(err) {
				respondWithError(c, tooLargeError(cfg.MaxFileSize, err))
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data の file フィールドでファイルを送信してください。",
			})
			return
		}

		opts, err := parseOptions(c, cfg.Defaults)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if err := validateUpload(file, cfg.MaxFileSize); err != nil {
			respondWithError(c, err)
			return
		}

		jobID := jobs.NewJobID()
		ws, err := cfg.Workspaces.Create(jobID)
		if err != nil {
			logger.Error("failed to create workspace", zap.String("job_id", jobID), zap.Error(err))
			respondWithError(c, err)
			return
		}

		input, err := storeUpload(ws, file, cfg.MaxFileSize, cfg.Formats)
		if err != nil {
			releaseWorkspace(ws, logger)
			respondWithError(c, err)
			return
		}
		input.Options = opts

		record, err := cfg.Jobs.Submit(c.Request.Context(), jobID, input)
		if err != nil {
			releaseWorkspace(ws, logger)
			logger.Warn("failed to submit job", zap.String("job_id", jobID), zap.Error(err))
			if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrDispatcherClosed) {
				// ジョブは FAILED として登録済みのため、照会先を返します。
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":      CodeQueueFull,
					"message":   "現在混み合っています。しばらくしてから再度お試しください。",
					"jobId":     jobID,
					"statusUrl": cfg.Locator.StatusURL(jobID),
				})
				return
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":                record.JobID,
			"status":               record.Status,
			"statusUrl":            cfg.Locator.StatusURL(record.JobID),
			"estimatedTimeSeconds": estimatedTimeSeconds,
			"message":              "解析ジョブを受け付けました。",
		})
	}
}

func validateUpload(file *multipart.FileHeader, maxSize int64) error {
	name := strings.TrimSpace(file.Filename)
	if name == "" {
		return newError(CodeInvalidInput, "ファイル名を指定してください。", nil)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedExtensions[ext]; !ok {
		return newError(CodeUnsupportedFileType,
			fmt.Sprintf("対応していないファイル形式です（%s）。対応形式: %s", ext, strings.Join(SupportedExtensions(), ", ")), nil)
	}
	if file.Size == 0 {
		return newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	if maxSize > 0 && file.Size > maxSize {
		return tooLargeError(maxSize, nil)
	}
	return nil
}

// storeUpload はファイルを作業領域へ保存し、内容から MIME タイプを判定します。
func storeUpload(ws *storage.Workspace, file *multipart.FileHeader, maxSize int64, formats FormatChecker) (jobs.Input, error) {
	src, err := file.Open()
	if err != nil {
		return jobs.Input{}, newError(CodeInvalidInput, "アップロードされたファイルを開けませんでした。", err)
	}
	defer src.Close()

	path, size, err := ws.Save(file.Filename, src, maxSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return jobs.Input{}, tooLargeError(maxSize, err)
		}
		return jobs.Input{}, err
	}

	mimeType, err := pipeline.DetectMimeType(path)
	if err != nil {
		return jobs.Input{}, newError(CodeUnsupportedMimeType, "ファイルの形式を判定できませんでした。", err)
	}
	if formats != nil && !formats.Supports(mimeType) {
		return jobs.Input{}, newError(CodeUnsupportedMimeType,
			fmt.Sprintf("ファイルの内容が対応形式ではありません（%s）。", mimeType), nil)
	}

	return jobs.Input{
		Filename:    filepath.Base(file.Filename),
		Path:        path,
		ContentType: mimeType,
		Size:        size,
	}, nil
}

// parseOptions はクエリまたはフォームから解析オプションを読み取ります。
func parseOptions(c *gin.Context, defaults Defaults) (jobs.Options, error) {
	opts := jobs.Options{
		Mode:              defaults.Mode,
		ExtractImages:     defaults.ExtractImages,
		ExtractTables:     defaults.ExtractTables,
		ImageScale:        defaults.ImageScale,
		Language:          defaults.Language,
		DescriptionPrompt: defaults.DescriptionPrompt,
	}
	if opts.Mode == "" {
		opts.Mode = pipeline.ModeStandard
	}
	if opts.ImageScale == 0 {
		opts.ImageScale = 2.0
	}

	if raw, ok := param(c, "parsing_mode"); ok {
		mode, valid := pipeline.ParseMode(raw)
		if !valid {
			return jobs.Options{}, newError(CodeInvalidInput,
				fmt.Sprintf("parsing_mode は %s のいずれかを指定してください。", joinModes()), nil)
		}
		opts.Mode = mode
	}

	var err error
	if opts.ExtractImages, err = boolParam(c, "extract_images", opts.ExtractImages); err != nil {
		return jobs.Options{}, err
	}
	if opts.ExtractTables, err = boolParam(c, "extract_tables", opts.ExtractTables); err != nil {
		return jobs.Options{}, err
	}
	if opts.DescribeImages, err = boolParam(c, "describe_images", false); err != nil {
		return jobs.Options{}, err
	}

	if raw, ok := param(c, "images_scale"); ok {
		scale, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || scale < pipeline.MinImageScale || scale > pipeline.MaxImageScale {
			return jobs.Options{}, newError(CodeInvalidInput,
				fmt.Sprintf("images_scale は %.1f〜%.1f の数値で指定してください。", float64(pipeline.MinImageScale), float64(pipeline.MaxImageScale)), perr)
		}
		opts.ImageScale = scale
	}

	opts.DescriptionProvider = describe.ProviderNone
	if raw, ok := param(c, "description_provider"); ok {
		provider, valid := describe.ParseProvider(raw)
		if !valid {
			return jobs.Options{}, newError(CodeInvalidInput, "description_provider は none, builtin, gemini, openai のいずれかを指定してください。", nil)
		}
		opts.DescriptionProvider = provider
	}
	if raw, ok := param(c, "description_prompt"); ok {
		opts.DescriptionPrompt = raw
	}
	if raw, ok := param(c, "language"); ok {
		opts.Language = raw
	}
	return opts.Normalize(), nil
}

// param はクエリを優先し、なければフォーム値を返します。空文字列は未指定として扱います。
func param(c *gin.Context, key string) (string, bool) {
	if v, ok := c.GetQuery(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v, ok := c.GetPostForm(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func boolParam(c *gin.Context, key string, fallback bool) (bool, error) {
	raw, ok := param(c, key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, newError(CodeInvalidInput, fmt.Sprintf("%s は true または false で指定してください。", key), err)
	}
	return v, nil
}

func joinModes() string {
	names := make([]string, len(pipeline.Modes))
	for i, m := range pipeline.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func tooLargeError(limit int64, err error) *Error {
	return newError(CodeFileTooLarge,
		fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limit/(1<<20)), err)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func releaseWorkspace(ws *storage.Workspace, logger *zap.Logger) {
	if err := ws.Release(); err != nil {
		logger.Warn("failed to remove job workspace", zap.String("job_id", ws.JobID), zap.Error(err))
	}
}
