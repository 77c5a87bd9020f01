package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeParse = "parse:document"
	queueName     = "parse"
)

// TaskPayload は解析ジョブのタスクペイロードです。
// ファイルとオプションはプロセス内の Registry にあるため、ジョブIDのみを運びます。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqConfig は Asynq 経由の実行設定です。
type AsynqConfig struct {
	RedisURL    string
	Concurrency int
	JobTimeout  time.Duration
	Logger      *zap.Logger
}

// AsynqDispatcher はジョブを Redis 上の Asynq キュー経由で実行します。
// Registry はプロセス内にあるため、同じプロセスのワーカーだけが処理できます。
type AsynqDispatcher struct {
	cfg    AsynqConfig
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	closed  bool
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(cfg AsynqConfig) (*AsynqDispatcher, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be positive: %d", cfg.Concurrency)
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: logger.Sugar(),
		},
	)
	d := &AsynqDispatcher{
		cfg:    cfg,
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
	d.mux.HandleFunc(taskTypeParse, d.handleParseTask)
	return d, nil
}

// Start は Asynq サーバーを起動します。
func (d *AsynqDispatcher) Start(handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()

	if err := d.server.Start(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	d.logger.Info("asynq server started", zap.Int("concurrency", d.cfg.Concurrency))
	return nil
}

// Dispatch はジョブをキューに投入します。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}

	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(queueName), asynq.MaxRetry(0)}
	if d.cfg.JobTimeout > 0 {
		// Orchestrator 側のタイムアウトで失敗を記録させるため、少し長めにします。
		opts = append(opts, asynq.Timeout(d.cfg.JobTimeout+30*time.Second))
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(taskTypeParse, body), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	d.logger.Debug("job enqueued", zap.String("job_id", jobID), zap.String("task_id", info.ID))
	return nil
}

func (d *AsynqDispatcher) handleParseTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("handler not registered: %w", asynq.SkipRetry)
	}
	handler(ctx, payload.JobID)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.server.Shutdown()
	return d.client.Close()
}
