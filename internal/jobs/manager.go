package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/pipeline"
)

// ManagerConfig は Manager の設定です。
type ManagerConfig struct {
	ResultTTL     time.Duration
	SweepInterval time.Duration
	JobTimeout    time.Duration
	Now           Clock
	Logger        *zap.Logger
}

// Deps は Manager が利用するコンポーネントです。
type Deps struct {
	Converter  pipeline.Converter
	Enricher   Enricher
	Workspaces Workspaces
	Dispatcher Dispatcher
	Locator    Locator
}

// Stats はジョブ全体の集計です。
type Stats struct {
	Jobs          map[Status]int `json:"jobs"`
	StoredResults int            `json:"storedResults"`
	Pool          *PoolStats     `json:"pool,omitempty"`
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg          ManagerConfig
	registry     *Registry
	results      *ResultCache[*ParseResult]
	orchestrator *Orchestrator
	query        *Query
	dispatcher   Dispatcher
	workspaces   Workspaces
	logger       *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager は Manager を初期化します。
func NewManager(cfg ManagerConfig, deps Deps) (*Manager, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = systemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry(cfg.Now)
	results := NewResultCache[*ParseResult](cfg.Now)
	orchestrator, err := NewOrchestrator(registry, results, deps.Converter, deps.Enricher, deps.Workspaces, OrchestratorConfig{
		ResultTTL:  cfg.ResultTTL,
		JobTimeout: cfg.JobTimeout,
		Locator:    deps.Locator,
		Now:        cfg.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:          cfg,
		registry:     registry,
		results:      results,
		orchestrator: orchestrator,
		query:        NewQuery(registry, results, deps.Locator),
		dispatcher:   deps.Dispatcher,
		workspaces:   deps.Workspaces,
		logger:       logger,
		stop:         make(chan struct{}),
	}, nil
}

// NewJobID は新しいジョブIDを発行します。
func NewJobID() string {
	return uuid.NewString()
}

// Start はワーカーと期限切れ結果の掃除を開始します。
func (m *Manager) Start() error {
	if err := m.dispatcher.Start(m.orchestrator.Run); err != nil {
		return err
	}
	go m.sweepLoop()
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.results.Sweep(); n > 0 {
				m.logger.Info("expired results removed", zap.Int("count", n))
			}
		}
	}
}

// Submit はジョブを登録して実行側に引き渡します。
// 引き渡しに失敗した場合、ジョブは FAILED として記録され（一覧や状態照会にもそのまま現れます）、
// 一時ファイルは削除されます。
func (m *Manager) Submit(ctx context.Context, jobID string, input Input) (Record, error) {
	input.Options = input.Options.Normalize()
	record, err := m.registry.Create(jobID, input)
	if err != nil {
		return Record{}, err
	}

	if err := m.dispatcher.Dispatch(ctx, jobID); err != nil {
		message := fmt.Sprintf("parsing failed: could not schedule job: %v", err)
		if uerr := m.registry.UpdateStatus(jobID, StatusFailed, WithError(message)); uerr != nil {
			m.logger.Warn("failed to record dispatch failure", zap.String("job_id", jobID), zap.Error(uerr))
		}
		if m.workspaces != nil {
			if rerr := m.workspaces.Release(jobID); rerr != nil {
				m.logger.Warn("failed to remove job workspace", zap.String("job_id", jobID), zap.Error(rerr))
			}
		}
		return Record{}, err
	}

	m.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("filename", input.Filename),
		zap.Int64("size", input.Size),
		zap.String("mode", string(input.Options.Mode)),
	)
	return record, nil
}

// Status はジョブ状態を返します。
func (m *Manager) Status(jobID string) (StatusView, bool) {
	return m.query.Status(jobID)
}

// Result は解析結果を照会します。
func (m *Manager) Result(jobID string) ResultLookup {
	return m.query.Result(jobID)
}

// List はジョブ一覧を返します。
func (m *Manager) List(filter ...Status) []StatusView {
	return m.query.List(filter...)
}

// DeleteResult は保存済みの結果を削除します。以後の照会は RESULT_EXPIRED になります。
func (m *Manager) DeleteResult(jobID string) bool {
	return m.results.Delete(jobID)
}

// Stats はジョブ全体の集計を返します。
func (m *Manager) Stats() Stats {
	stats := Stats{
		Jobs:          m.registry.Count(),
		StoredResults: m.results.Len(),
	}
	if p, ok := m.dispatcher.(interface{ Stats() PoolStats }); ok {
		ps := p.Stats()
		stats.Pool = &ps
	}
	return stats
}

// Shutdown は掃除を止め、実行側を停止します。
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stop)
		err = m.dispatcher.Shutdown(ctx)
	})
	return err
}
