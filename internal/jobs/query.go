package jobs

import "time"

// ResultKind は結果照会の判定です。
type ResultKind int

const (
	ResultReady ResultKind = iota
	ResultNotFound
	ResultStillProcessing
	ResultParsingFailed
	ResultExpired
)

func (k ResultKind) String() string {
	switch k {
	case ResultReady:
		return "READY"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultStillProcessing:
		return "STILL_PROCESSING"
	case ResultParsingFailed:
		return "PARSING_FAILED"
	case ResultExpired:
		return "RESULT_EXPIRED"
	}
	return "UNKNOWN"
}

// ResultLookup は結果照会の応答です。Kind に応じて他のフィールドが設定されます。
type ResultLookup struct {
	Kind            ResultKind
	Payload         *ParseResult
	ExpiresAt       time.Time
	Status          Status
	ProgressPercent int
	ErrorMessage    string
	StatusURL       string
}

// StatusView はジョブ状態の照会結果です。
type StatusView struct {
	JobID           string     `json:"jobId"`
	Status          Status     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Filename        string     `json:"filename"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ResultURL       string     `json:"resultUrl,omitempty"`
}

// Query は Registry と ResultCache を突き合わせて照会に答えます。
type Query struct {
	registry *Registry
	results  *ResultCache[*ParseResult]
	locator  Locator
}

// NewQuery は Query を作成します。
func NewQuery(registry *Registry, results *ResultCache[*ParseResult], locator Locator) *Query {
	return &Query{registry: registry, results: results, locator: locator}
}

// Status はジョブ状態を返します。
func (q *Query) Status(jobID string) (StatusView, bool) {
	record, ok := q.registry.Get(jobID)
	if !ok {
		return StatusView{}, false
	}
	return q.view(record), true
}

// List はジョブ状態の一覧を作成順で返します。
func (q *Query) List(filter ...Status) []StatusView {
	records := q.registry.List(filter...)
	out := make([]StatusView, 0, len(records))
	for _, record := range records {
		out = append(out, q.view(record))
	}
	return out
}

func (q *Query) view(record Record) StatusView {
	v := StatusView{
		JobID:           record.JobID,
		Status:          record.Status,
		ProgressPercent: record.ProgressPercent,
		ErrorMessage:    record.ErrorMessage,
		Filename:        record.Input.Filename,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
		CompletedAt:     record.CompletedAt,
	}
	if record.Status == StatusCompleted {
		v.ResultURL = q.locator.ResultURL(record.JobID)
	}
	return v
}

// Result は解析結果を照会します。
// 結果が保存済みであればジョブの状態に関わらず返します。
// 未保存の場合はジョブの状態から NOT_FOUND / STILL_PROCESSING / PARSING_FAILED / RESULT_EXPIRED を判定します。
func (q *Query) Result(jobID string) ResultLookup {
	if entry, ok := q.results.Get(jobID); ok {
		return ready(entry)
	}

	record, ok := q.registry.Get(jobID)
	if !ok {
		return ResultLookup{Kind: ResultNotFound}
	}

	switch record.Status {
	case StatusPending, StatusProcessing:
		return ResultLookup{
			Kind:            ResultStillProcessing,
			Status:          record.Status,
			ProgressPercent: record.ProgressPercent,
			StatusURL:       q.locator.StatusURL(jobID),
		}
	case StatusFailed:
		return ResultLookup{
			Kind:         ResultParsingFailed,
			Status:       record.Status,
			ErrorMessage: record.ErrorMessage,
		}
	}

	// 結果の保存から COMPLETED 記録までの間に最初の照会が走った場合に備えて再確認します。
	if entry, ok := q.results.Get(jobID); ok {
		return ready(entry)
	}
	return ResultLookup{Kind: ResultExpired, Status: record.Status}
}

func ready(entry Entry[*ParseResult]) ResultLookup {
	return ResultLookup{
		Kind:            ResultReady,
		Payload:         entry.Value,
		ExpiresAt:       entry.ExpiresAt,
		Status:          StatusCompleted,
		ProgressPercent: 100,
	}
}
