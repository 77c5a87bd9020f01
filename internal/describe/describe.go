// Package describe は抽出画像に説明文を付与します。
//
// 外部 API の呼び出しはベストエフォートで、失敗しても説明なしとして処理を続けます。
package describe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/parse-forge/internal/pipeline"
)

// Provider は説明生成の提供元です。
type Provider string

const (
	ProviderNone    Provider = "none"
	ProviderBuiltin Provider = "builtin"
	ProviderGemini  Provider = "gemini"
	ProviderOpenAI  Provider = "openai"
)

// Providers は受け付ける提供元の一覧です。
var Providers = []Provider{ProviderNone, ProviderBuiltin, ProviderGemini, ProviderOpenAI}

// ParseProvider は文字列を Provider に変換します。
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Describer は画像（data URI）の説明文を返します。
type Describer interface {
	Describe(ctx context.Context, imageURI, prompt string) (string, error)
}

// ErrorKind は説明生成の失敗種別です。
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindTimeout         ErrorKind = "timeout"
	KindUpstream        ErrorKind = "upstream"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Error は分類済みの失敗です。
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(err error) ErrorKind {
	var de *Error
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &de):
		return de.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUpstream
	}
}

// Outcome は画像1枚分の結果です。Kind が KindNone のとき Text が有効です。
type Outcome struct {
	PictureID string
	Provider  Provider
	Text      string
	Kind      ErrorKind
	Err       error
	Elapsed   time.Duration
}

// OK は説明が得られたかどうかを返します。
func (o Outcome) OK() bool {
	return o.Kind == KindNone && o.Text != ""
}

// Policy は失敗時の扱いです。
type Policy int

const (
	// PolicyBestEffort は失敗した画像を説明なしのまま残します。
	PolicyBestEffort Policy = iota
	// PolicyRequired は1件でも失敗すればエラーを返します。
	PolicyRequired
)

// Request は Enrich の入力です。
type Request struct {
	Provider Provider
	Prompt   string
}

// ErrUnavailable は提供元が設定されていない場合に返されます。
var ErrUnavailable = errors.New("description provider is not configured")

// Enricher は提供元ごとの Describer をまとめ、画像へ説明を付与します。
type Enricher struct {
	describers    map[Provider]Describer
	defaultPrompt string
	timeout       time.Duration
	concurrency   int
	policy        Policy
	logger        *zap.Logger
}

// Option は Enricher の設定を変更します。
type Option func(*Enricher)

// WithDescriber は提供元を登録します。nil は登録しません。
func WithDescriber(p Provider, d Describer) Option {
	return func(e *Enricher) {
		if d != nil {
			e.describers[p] = d
		}
	}
}

// WithTimeout は画像1枚あたりの制限時間を設定します。
func WithTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithConcurrency は同時に問い合わせる画像数を設定します。
func WithConcurrency(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPolicy は失敗時の扱いを設定します。
func WithPolicy(p Policy) Option {
	return func(e *Enricher) {
		e.policy = p
	}
}

// WithDefaultPrompt はプロンプト未指定時に使う文を設定します。
func WithDefaultPrompt(prompt string) Option {
	return func(e *Enricher) {
		if prompt != "" {
			e.defaultPrompt = prompt
		}
	}
}

// NewEnricher は Enricher を作成します。builtin は常に登録されます。
func NewEnricher(logger *zap.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{
		describers:  map[Provider]Describer{ProviderBuiltin: Builtin{}},
		timeout:     60 * time.Second,
		concurrency: 3,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Available は提供元が利用可能かを返します。
func (e *Enricher) Available(p Provider) bool {
	if p == ProviderNone {
		return true
	}
	_, ok := e.describers[p]
	return ok
}

// Enrich は説明を付与した画像のコピーと、画像ごとの結果を返します。
// 入力スライスは変更しません。
func (e *Enricher) Enrich(ctx context.Context, pictures []pipeline.PictureItem, req Request) ([]pipeline.PictureItem, []Outcome, error) {
	out := make([]pipeline.PictureItem, len(pictures))
	copy(out, pictures)
	if req.Provider == ProviderNone || req.Provider == "" || len(pictures) == 0 {
		return out, nil, nil
	}

	describer, ok := e.describers[req.Provider]
	if !ok {
		e.logger.Warn("description provider unavailable, skipping enrichment",
			zap.String("provider", string(req.Provider)),
			zap.Int("pictures", len(pictures)),
		)
		if e.policy == PolicyRequired {
			return out, nil, &Error{Kind: KindUnavailable, Err: ErrUnavailable}
		}
		return out, nil, nil
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = e.defaultPrompt
	}

	outcomes := make([]Outcome, len(pictures))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range pictures {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{PictureID: pictures[i].ID, Provider: req.Provider, Kind: KindTimeout, Err: err}
				return nil
			}
			o := e.describeOne(ctx, describer, pictures[i], req.Provider, prompt)
			outcomes[i] = o
			if o.OK() {
				out[i].Description = o.Text
				out[i].DescriptionProvider = string(req.Provider)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return out, outcomes, err
	}
	if e.policy == PolicyRequired {
		for _, o := range outcomes {
			if !o.OK() {
				return out, outcomes, &Error{Kind: o.Kind, Err: fmt.Errorf("picture %s: %w", o.PictureID, o.Err)}
			}
		}
	}
	return out, outcomes, nil
}

func (e *Enricher) describeOne(ctx context.Context, d Describer, pic pipeline.PictureItem, provider Provider, prompt string) Outcome {
	o := Outcome{PictureID: pic.ID, Provider: provider}
	if pic.ImageURI == "" {
		o.Kind = KindInvalidInput
		o.Err = errors.New("picture has no image data")
		e.logger.Debug("picture skipped", zap.String("picture", pic.ID), zap.Error(o.Err))
		return o
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	text, err := d.Describe(callCtx, pic.ImageURI, prompt)
	o.Elapsed = time.Since(start)
	if err != nil {
		o.Kind = classify(err)
		o.Err = err
		e.logger.Warn("image description failed",
			zap.String("provider", string(provider)),
			zap.String("picture", pic.ID),
			zap.String("kind", string(o.Kind)),
			zap.Int64("elapsed_ms", o.Elapsed.Milliseconds()),
			zap.Error(err),
		)
		return o
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.Kind = KindInvalidResponse
		o.Err = errors.New("empty description")
		return o
	}
	o.Text = text
	return o
}
