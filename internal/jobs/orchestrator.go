package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

// 進捗のチェックポイント
const (
	progressStarted    = 10
	progressConfigured = 30
	progressConverted  = 60
	progressExtracted  = 70
	progressEnriched   = 80
	progressExported   = 90
)

// Enricher は画像に説明を付与します。
type Enricher interface {
	Enrich(ctx context.Context, pictures []pipeline.PictureItem, req describe.Request) ([]pipeline.PictureItem, []describe.Outcome, error)
}

// Workspaces はジョブの一時ファイルを削除します。
type Workspaces interface {
	Release(jobID string) error
}

// OrchestratorConfig は Orchestrator の設定です。
type OrchestratorConfig struct {
	ResultTTL  time.Duration
	JobTimeout time.Duration
	Locator    Locator
	Now        Clock
	Logger     *zap.Logger
}

// Orchestrator は1ジョブ分の解析を実行し、状態と結果を記録します。
type Orchestrator struct {
	registry   *Registry
	results    *ResultCache[*ParseResult]
	converter  pipeline.Converter
	enricher   Enricher
	workspaces Workspaces
	cfg        OrchestratorConfig
	logger     *zap.Logger
}

// NewOrchestrator は Orchestrator を作成します。enricher と workspaces は nil でも構いません。
func NewOrchestrator(registry *Registry, results *ResultCache[*ParseResult], converter pipeline.Converter, enricher Enricher, workspaces Workspaces, cfg OrchestratorConfig) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if results == nil {
		return nil, errors.New("results is nil")
	}
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	if cfg.ResultTTL <= 0 {
		return nil, errors.New("result ttl must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = systemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:   registry,
		results:    results,
		converter:  converter,
		enricher:   enricher,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run はジョブを実行します。失敗はすべてジョブの FAILED 状態として記録され、呼び出し元には返しません。
// 実行した場合、一時ファイルはどの経路でも一度だけ削除されます。
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	logger := o.logger.With(zap.String("job_id", jobID))

	record, err := o.registry.Claim(jobID)
	if errors.Is(err, ErrJobNotFound) {
		// 以前のプロセスが残したタスクなど。作業領域だけ片付けます。
		logger.Warn("job not found, dropping")
		o.release(jobID, logger)
		return
	}
	if err != nil {
		// 重複配送。作業領域は先に Claim した側が削除します。
		logger.Warn("job already started, skipping", zap.String("status", string(record.Status)))
		return
	}
	defer o.release(jobID, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			o.fail(jobID, fmt.Errorf("internal error: %v", r), logger)
		}
	}()

	runCtx := ctx
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := o.execute(runCtx, jobID, record.Input, logger); err != nil {
		o.fail(jobID, o.failureCause(ctx, runCtx, err), logger)
		return
	}
	logger.Info("job completed", zap.Duration("elapsed", time.Since(start)))
}

func (o *Orchestrator) execute(ctx context.Context, jobID string, input Input, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.advance(jobID, progressStarted, logger)

	opts := input.Options.Normalize()
	cfg := pipeline.Config{
		Mode:          opts.Mode,
		ExtractImages: opts.ExtractImages,
		ExtractTables: opts.ExtractTables,
		ImageScale:    opts.ImageScale,
		Language:      opts.Language,
		Filename:      input.Filename,
	}
	o.advance(jobID, progressConfigured, logger)

	conv, err := o.converter.Convert(ctx, input.Path, cfg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv == nil || conv.Document == nil {
		return errors.New("converter returned no document")
	}
	o.advance(jobID, progressConverted, logger)

	result := newParseResult(jobID, input, conv, o.cfg.Now())
	o.advance(jobID, progressExtracted, logger)

	if opts.DescribeImages && opts.DescriptionProvider != describe.ProviderNone && o.enricher != nil && len(result.Content.Pictures) > 0 {
		pictures, outcomes, err := o.enricher.Enrich(ctx, result.Content.Pictures, describe.Request{
			Provider: opts.DescriptionProvider,
			Prompt:   opts.DescriptionPrompt,
		})
		if err != nil {
			return fmt.Errorf("image description: %w", err)
		}
		result.Content.Pictures = pictures
		described := 0
		for _, oc := range outcomes {
			if oc.OK() {
				described++
			}
		}
		result.Statistics.DescribedPictures = described
		logger.Info("pictures described",
			zap.String("provider", string(opts.DescriptionProvider)),
			zap.Int("described", described),
			zap.Int("total", len(pictures)),
		)
	}
	o.advance(jobID, progressEnriched, logger)

	conv.Document.Pictures = result.Content.Pictures
	result.Content.Markdown = conv.Document.Markdown()
	result.Exports = o.cfg.Locator.Exports(jobID, result)
	o.advance(jobID, progressExported, logger)

	if err := ctx.Err(); err != nil {
		return err
	}
	o.results.Store(jobID, result, o.cfg.ResultTTL)
	if err := o.registry.UpdateStatus(jobID, StatusCompleted, WithProgress(100)); err != nil {
		o.results.Delete(jobID)
		return err
	}
	return nil
}

func (o *Orchestrator) advance(jobID string, percent int, logger *zap.Logger) {
	if err := o.registry.UpdateStatus(jobID, StatusProcessing, WithProgress(percent)); err != nil {
		logger.Warn("failed to update progress", zap.Int("percent", percent), zap.Error(err))
	}
}

func (o *Orchestrator) fail(jobID string, cause error, logger *zap.Logger) {
	message := "parsing failed: " + cause.Error()
	logger.Warn("job failed", zap.String("error", message))
	if err := o.registry.UpdateStatus(jobID, StatusFailed, WithError(message)); err != nil {
		logger.Warn("failed to record failure", zap.Error(err))
	}
}

// failureCause は打ち切りの理由を利用者向けの文言に置き換えます。
func (o *Orchestrator) failureCause(parent, run context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return errors.New("job canceled")
	case errors.Is(run.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("job timed out after %s", o.cfg.JobTimeout)
	}
	return err
}

func (o *Orchestrator) release(jobID string, logger *zap.Logger) {
	if o.workspaces == nil {
		return
	}
	if err := o.workspaces.Release(jobID); err != nil {
		logger.Warn("failed to remove job workspace", zap.Error(err))
	}
}
