package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *zap.Logger
}

// Run executes name with args and captures both output streams.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		logger.Error("exec failed",
			zap.String("cmd", name),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
			zap.String("stderr", truncate(errb.String(), 8<<10)),
		)
	} else {
		logger.Debug("exec ok",
			zap.String("cmd", name),
			zap.String("args", strings.Join(args, " ")),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("stdout_bytes", out.Len()),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

// Tesseract は tesseract CLI による文字認識です。
type Tesseract struct {
	Path        string
	DefaultLang string
	Runner      Runner
}

// NewTesseract は exec ベースの Tesseract を返します。
func NewTesseract(path, lang string, logger *zap.Logger) *Tesseract {
	return &Tesseract{
		Path:        path,
		DefaultLang: lang,
		Runner:      ExecRunner{Logger: logger},
	}
}

// Recognize は画像ファイルの文字を認識して返します。
func (t *Tesseract) Recognize(ctx context.Context, imagePath, lang string) (string, error) {
	if lang == "" || lang == "en" {
		lang = t.DefaultLang
	}
	if lang == "" {
		lang = "eng"
	}
	stdout, stderr, err := t.Runner.Run(ctx, t.Path, imagePath, "stdout", "-l", lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(stdout)), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
