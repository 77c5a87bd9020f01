// Package pipeline はアップロードされた文書を構造化ドキュメントへ変換します。
//
// 形式ごとの変換器を Router が MIME タイプで振り分けます。
//   - PDF: pdfcpu（ページ寸法・テキスト・埋め込み画像）
//   - HTML: golang.org/x/net/html
//   - Markdown / プレーンテキスト
//   - 画像（PNG/JPEG/GIF/TIFF/WebP）、ocr モードでは tesseract を併用
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Mode は解析モードです。
type Mode string

const (
	ModeStandard    Mode = "standard"
	ModeOCR         Mode = "ocr"
	ModeFast        Mode = "fast"
	ModeHighQuality Mode = "high_quality"
)

// Modes は受け付ける解析モードの一覧です。
var Modes = []Mode{ModeStandard, ModeOCR, ModeFast, ModeHighQuality}

// ParseMode は文字列を Mode に変換します。
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// 画像倍率の範囲
const (
	MinImageScale = 1.0
	MaxImageScale = 4.0
	baseScale     = 2.0
)

// Config は1回の変換に対する設定です。
type Config struct {
	Mode          Mode
	ExtractImages bool
	ExtractTables bool
	ImageScale    float64
	Language      string
	Filename      string
}

// effective はモードに応じて設定を補正したコピーを返します。
func (c Config) effective() Config {
	out := c
	if out.Mode == "" {
		out.Mode = ModeStandard
	}
	if out.ImageScale < MinImageScale {
		out.ImageScale = MinImageScale
	}
	if out.ImageScale > MaxImageScale {
		out.ImageScale = MaxImageScale
	}
	switch out.Mode {
	case ModeFast:
		out.ExtractImages = false
		out.ExtractTables = false
	case ModeHighQuality:
		out.ExtractTables = true
		if out.ImageScale < 3.0 {
			out.ImageScale = 3.0
		}
	}
	return out
}

// Status は変換の結果状態です。
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
)

// Conversion は変換結果です。
type Conversion struct {
	Document *Document
	Status   Status
	Warnings []string
	Elapsed  time.Duration
}

// Converter は文書変換を行うコンポーネントです。
type Converter interface {
	Convert(ctx context.Context, path string, cfg Config) (*Conversion, error)
}

// FormatConverter は単一形式の変換器です。警告は部分的な失敗を表します。
type FormatConverter interface {
	Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error)
}

// ErrorKind は変換失敗の種別です。
type ErrorKind string

const (
	KindUnsupported ErrorKind = "unsupported"
	KindCorrupt     ErrorKind = "corrupt"
	KindInternal    ErrorKind = "internal"
)

// Error は変換失敗を表します。
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind は err が指定種別の *Error かどうかを返します。
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Router は MIME タイプに応じて変換器を選択します。
type Router struct {
	converters map[string]FormatConverter
	logger     *zap.Logger
}

// Option は Router の設定を変更します。
type Option func(*routerOptions)

type routerOptions struct {
	logger *zap.Logger
	ocr    *Tesseract
}

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(o *routerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOCR は ocr モードで使う tesseract を設定します。
func WithOCR(t *Tesseract) Option {
	return func(o *routerOptions) {
		o.ocr = t
	}
}

// NewRouter は既定の変換器を登録した Router を返します。
func NewRouter(opts ...Option) *Router {
	o := routerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Router{
		converters: make(map[string]FormatConverter),
		logger:     o.logger,
	}
	r.Register(&pdfConverter{ocr: o.ocr, logger: o.logger}, "application/pdf")
	r.Register(&htmlConverter{}, "text/html", "application/xhtml+xml")
	r.Register(newMarkdownConverter(), "text/markdown")
	r.Register(&textConverter{}, "text/plain")
	r.Register(&imageConverter{ocr: o.ocr}, "image/png", "image/jpeg", "image/gif", "image/tiff", "image/webp")
	return r
}

// Register は mimeTypes に対する変換器を登録します。
func (r *Router) Register(c FormatConverter, mimeTypes ...string) {
	for _, m := range mimeTypes {
		r.converters[m] = c
	}
}

// SupportedMimeTypes は登録済み MIME タイプを昇順で返します。
func (r *Router) SupportedMimeTypes() []string {
	out := make([]string, 0, len(r.converters))
	for m := range r.converters {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Supports は MIME タイプ（パラメータ付き可）が変換可能かを返します。
func (r *Router) Supports(mimeType string) bool {
	_, ok := r.converters[baseMime(mimeType)]
	return ok
}

// Convert は path の文書を変換します。
func (r *Router) Convert(ctx context.Context, path string, cfg Config) (*Conversion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	cfg = cfg.effective()

	mimeType, err := DetectMimeType(path)
	if err != nil {
		return nil, newError(KindCorrupt, "failed to read input", err)
	}
	if mimeType == "text/plain" && isMarkdownName(cfg.Filename, path) {
		mimeType = "text/markdown"
	}
	conv, ok := r.converters[mimeType]
	if !ok {
		return nil, newError(KindUnsupported, fmt.Sprintf("unsupported format %s", mimeType), nil)
	}

	doc, warnings, err := conv.Convert(ctx, path, cfg)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, newError(KindInternal, "conversion failed", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, size, err := fileDigest(path)
	if err != nil {
		return nil, newError(KindInternal, "failed to hash input", err)
	}
	name := cfg.Filename
	if name == "" {
		name = filepath.Base(path)
	}
	doc.Name = strings.TrimSuffix(name, filepath.Ext(name))
	doc.Origin = Origin{
		Filename:   name,
		MimeType:   mimeType,
		BinaryHash: hash,
		Size:       size,
	}
	doc.countItems()

	status := StatusSuccess
	if len(warnings) > 0 {
		status = StatusPartialSuccess
		r.logger.Warn("conversion completed with warnings",
			zap.String("file", name),
			zap.Strings("warnings", warnings),
		)
	}
	return &Conversion{
		Document: doc,
		Status:   status,
		Warnings: warnings,
		Elapsed:  time.Since(start),
	}, nil
}

// DetectMimeType はファイル内容から MIME タイプ（パラメータなし）を判定します。
// 登録外の具体型は親の型へ遡ります（例: text/x-go → text/plain）。
func DetectMimeType(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	for cur := m; cur != nil; cur = cur.Parent() {
		base := baseMime(cur.String())
		if knownMime(base) {
			return base, nil
		}
	}
	return baseMime(m.String()), nil
}

func knownMime(m string) bool {
	switch m {
	case "application/pdf", "text/html", "application/xhtml+xml", "text/plain", "text/markdown",
		"image/png", "image/jpeg", "image/gif", "image/tiff", "image/webp":
		return true
	}
	return false
}

func baseMime(m string) string {
	if i := strings.Index(m, ";"); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func isMarkdownName(names ...string) bool {
	for _, n := range names {
		switch strings.ToLower(filepath.Ext(n)) {
		case ".md", ".markdown":
			return true
		}
	}
	return false
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
