package jobs

import (
	"time"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

// Status はジョブの実行状態を表します。
// PENDING → PROCESSING → (COMPLETED | FAILED) の順にのみ遷移し、終端状態からは戻りません。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// ParseStatus は文字列を Status に変換します。
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// Options は1ジョブ分の解析オプションです。
type Options struct {
	Mode                pipeline.Mode     `json:"mode"`
	ExtractImages       bool              `json:"extractImages"`
	ExtractTables       bool              `json:"extractTables"`
	ImageScale          float64           `json:"imageScale"`
	Language            string            `json:"language,omitempty"`
	DescribeImages      bool              `json:"describeImages"`
	DescriptionProvider describe.Provider `json:"descriptionProvider"`
	DescriptionPrompt   string            `json:"descriptionPrompt,omitempty"`
}

// Normalize は範囲外の値を補正したコピーを返します。
func (o Options) Normalize() Options {
	out := o
	if out.Mode == "" {
		out.Mode = pipeline.ModeStandard
	}
	if out.ImageScale < pipeline.MinImageScale {
		out.ImageScale = pipeline.MinImageScale
	}
	if out.ImageScale > pipeline.MaxImageScale {
		out.ImageScale = pipeline.MaxImageScale
	}
	if out.DescriptionProvider == "" {
		out.DescriptionProvider = describe.ProviderNone
	}
	if !out.DescribeImages {
		out.DescriptionProvider = describe.ProviderNone
	}
	return out
}

// Input はジョブの入力ファイルの記述子です。
type Input struct {
	Filename    string  `json:"filename"`
	Path        string  `json:"-"`
	ContentType string  `json:"contentType"`
	Size        int64   `json:"size"`
	Options     Options `json:"options"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID           string     `json:"jobId"`
	Status          Status     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Input           Input      `json:"input"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// clone はポインタフィールドを複製したコピーを返します。
func (r *Record) clone() Record {
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
