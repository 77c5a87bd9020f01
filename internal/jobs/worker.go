// Package jobs は非同期ジョブ管理機能を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull は待ち行列に空きがない場合に返されます。
	ErrQueueFull = errors.New("job queue is full")
	// ErrDispatcherClosed は停止後に投入された場合に返されます。
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Handler は1ジョブを実行します。
type Handler func(ctx context.Context, jobID string)

// Dispatcher はジョブIDを実行側に引き渡します。
type Dispatcher interface {
	Start(handler Handler) error
	Dispatch(ctx context.Context, jobID string) error
	Shutdown(ctx context.Context) error
}

// PoolConfig はプロセス内ワーカープールの設定です。
type PoolConfig struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// PoolStats はワーカープールの稼働状況です。
type PoolStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
}

// Pool は固定数のゴルーチンでジョブを実行します。
// 同時実行数は Workers を超えず、待ち行列が満杯の場合は即座に ErrQueueFull を返します。
type Pool struct {
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	queue   chan string
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
}

// NewPool は Pool を作成します。
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be positive: %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be positive: %d", cfg.QueueSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: cfg.Workers,
		logger:  logger,
		queue:   make(chan string, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start はワーカーを起動します。
func (p *Pool) Start(handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(handler)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	return nil
}

func (p *Pool) work(handler Handler) {
	defer p.wg.Done()
	for jobID := range p.queue {
		p.active.Add(1)
		p.run(handler, jobID)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *Pool) run(handler Handler, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", zap.String("job_id", jobID), zap.Any("panic", r))
		}
	}()
	handler(p.ctx, jobID)
}

// Dispatch はジョブを待ち行列に追加します。ブロックしません。
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	select {
	case p.queue <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown は受付を止め、実行中と待機中のジョブを打ち切ります。
// 打ち切られたジョブはワーカーが取り出した時点で失敗として記録されます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Stats は稼働状況を返します。
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		Active:    p.active.Load(),
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
	}
}
