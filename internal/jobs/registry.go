package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateJob は同じIDのジョブが既に登録されている場合に返されます。
	ErrDuplicateJob = errors.New("job already exists")
	// ErrInvalidTransition は状態を逆行させる更新の場合に返されます。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobNotFound は登録されていないジョブを指定した場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyClaimed は PENDING でなくなったジョブを実行しようとした場合に返されます。
	ErrAlreadyClaimed = errors.New("job already claimed")
)

// Clock は現在時刻を返します。テストで差し替えます。
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// Registry はジョブ状態をプロセス内メモリで管理します。
// 読み出しは常にコピーを返し、内部の map への参照は外に出しません。
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	now     Clock
}

// NewRegistry は空の Registry を作成します。
func NewRegistry(now Clock) *Registry {
	if now == nil {
		now = systemClock
	}
	return &Registry{
		records: make(map[string]*Record),
		now:     now,
	}
}

// Create は PENDING のジョブを登録します。
func (r *Registry) Create(jobID string, input Input) (Record, error) {
	if jobID == "" {
		return Record{}, fmt.Errorf("jobID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[jobID]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}
	now := r.now()
	record := &Record{
		JobID:           jobID,
		Status:          StatusPending,
		ProgressPercent: 0,
		Input:           input,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.records[jobID] = record
	r.order = append(r.order, jobID)
	return record.clone(), nil
}

// Get はジョブ情報のコピーを返します。
func (r *Registry) Get(jobID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[jobID]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

// Claim は PENDING のジョブを PROCESSING にし、更新後のコピーを返します。
// 判定と更新は同じロックの中で行うため、同じジョブを2回 Claim できるのは1回だけです。
func (r *Registry) Claim(jobID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[jobID]
	if !ok {
		return Record{}, ErrJobNotFound
	}
	if record.Status != StatusPending {
		return record.clone(), fmt.Errorf("%w: %s", ErrAlreadyClaimed, record.Status)
	}
	record.Status = StatusProcessing
	record.UpdatedAt = r.now()
	return record.clone(), nil
}

// UpdateOption は UpdateStatus の追加項目です。
type UpdateOption func(*update)

type update struct {
	progress    int
	hasProgress bool
	errMessage  string
	hasError    bool
}

// WithProgress は進捗率を更新します（0〜100に丸め、既存値より小さい値は無視します）。
func WithProgress(percent int) UpdateOption {
	return func(u *update) {
		u.progress = percent
		u.hasProgress = true
	}
}

// WithError は失敗メッセージを設定します。
func WithError(message string) UpdateOption {
	return func(u *update) {
		u.errMessage = message
		u.hasError = true
	}
}

// UpdateStatus はジョブの状態を更新します。
// 存在しないジョブへの更新は何もせず nil を返します。
// 状態を逆行させる更新、終端状態からの更新は ErrInvalidTransition を返し、記録は変更しません。
func (r *Registry) UpdateStatus(jobID string, status Status, opts ...UpdateOption) error {
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[jobID]
	if !ok {
		return nil
	}
	if status.rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if record.Status.Terminal() || status.rank() < record.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, status)
	}

	now := r.now()
	record.Status = status
	record.UpdatedAt = now
	if u.hasProgress {
		p := clampPercent(u.progress)
		if p > record.ProgressPercent {
			record.ProgressPercent = p
		}
	}
	if status == StatusCompleted {
		record.ProgressPercent = 100
	}
	if u.hasError {
		record.ErrorMessage = u.errMessage
	}
	if status.Terminal() {
		completed := now
		record.CompletedAt = &completed
	}
	return nil
}

// List はジョブ一覧を作成順で返します。filter を指定した場合はその状態のみ返します。
func (r *Registry) List(filter ...Status) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		record := r.records[id]
		if len(filter) > 0 && !containsStatus(filter, record.Status) {
			continue
		}
		out = append(out, record.clone())
	}
	return out
}

// Count は状態ごとのジョブ数を返します。
func (r *Registry) Count() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, record := range r.records {
		counts[record.Status]++
	}
	return counts
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
