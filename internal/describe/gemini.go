package describe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/parse-forge/internal/pipeline"
)

// GeminiConfig は Gemini API の接続設定です。
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Gemini は generateContent API で説明文を生成します。
type Gemini struct {
	cfg        GeminiConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewGemini は Gemini クライアントを返します。APIキーが空の場合は nil を返します。
func NewGemini(cfg GeminiConfig, httpClient *http.Client, logger *zap.Logger) *Gemini {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{cfg: cfg, httpClient: httpClient, log: logger}
}

// Describe implements Describer.
func (c *Gemini) Describe(ctx context.Context, imageURI, prompt string) (string, error) {
	mimeType, data, err := pipeline.DecodeDataURI(imageURI)
	if err != nil {
		return "", &Error{Kind: KindInvalidInput, Err: err}
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", &Error{Kind: KindInvalidInput, Err: fmt.Errorf("unsupported media type %s", mimeType)}
	}

	rid := uuid.New().String()
	start := time.Now()
	body := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]any{
				{"text": prompt},
				{"inline_data": map[string]any{
					"mime_type": mimeType,
					"data":      base64.StdEncoding.EncodeToString(data),
				}},
			},
		}},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(c.cfg.Model),
		url.QueryEscape(c.cfg.APIKey),
	)
	raw, err := postJSON(ctx, c.httpClient, endpoint, body, nil)
	if err != nil {
		c.log.Warn("describe.gemini.http_error",
			zap.String("req_id", rid),
			zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		return "", err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("decode gemini response: %w", err)}
	}
	if len(resp.Candidates) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("no candidates in gemini response")}
	}
	var parts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("empty gemini response (finish reason %q)", resp.Candidates[0].FinishReason)}
	}

	c.log.Debug("describe.gemini.ok",
		zap.String("req_id", rid),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return strings.Join(parts, "\n"), nil
}
