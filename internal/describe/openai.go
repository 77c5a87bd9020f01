package describe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const descriptionSchema = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "visual_type": {"type": "string"}
  }
}`

var compiledDescriptionSchema = jsonschema.MustCompileString("description.json", descriptionSchema)

// OpenAIConfig は OpenAI 互換 API の接続設定です。
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	// Lenient が true の場合、JSON として不正な応答も本文をそのまま説明として採用します。
	Lenient bool
}

// OpenAI は chat/completions の画像入力で説明文を生成します。
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewOpenAI は OpenAI クライアントを返します。APIキーが空の場合は nil を返します。
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client, logger *zap.Logger) *OpenAI {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{cfg: cfg, httpClient: httpClient, log: logger}
}

// Describe implements Describer.
func (c *OpenAI) Describe(ctx context.Context, imageURI, prompt string) (string, error) {
	rid := uuid.New().String()
	start := time.Now()
	c.log.Debug("describe.openai.start",
		zap.String("req_id", rid),
		zap.String("model", c.cfg.Model),
		zap.Int("image_uri_len", len(imageURI)),
	)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": "You describe images extracted from documents. Return ONLY JSON with a \"description\" string and an optional \"visual_type\" string."},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": prompt},
				{"type": "image_url", "image_url": map[string]any{"url": imageURI}},
			}},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := postJSON(ctx, c.httpClient, endpoint, body, map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	})
	if err != nil {
		c.log.Warn("describe.openai.http_error",
			zap.String("req_id", rid),
			zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		return "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("decode openai response: %w", err)}
	}
	if len(cc.Choices) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("no choices in openai response")}
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)

	text, err := parseDescription([]byte(content))
	if err != nil {
		if !c.cfg.Lenient || content == "" {
			c.log.Warn("describe.openai.schema_validation_failed",
				zap.String("req_id", rid),
				zap.Error(err),
				zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			)
			return "", &Error{Kind: KindInvalidResponse, Err: err}
		}
		c.log.Debug("describe.openai.lenient_fallback",
			zap.String("req_id", rid),
			zap.Error(err),
		)
		text = content
	}

	c.log.Debug("describe.openai.ok",
		zap.String("req_id", rid),
		zap.Int("description_len", len(text)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return text, nil
}

// parseDescription は応答 JSON をスキーマで検証し、説明文を取り出します。
func parseDescription(content []byte) (string, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return "", fmt.Errorf("unmarshal description: %w", err)
	}
	if err := compiledDescriptionSchema.Validate(v); err != nil {
		return "", fmt.Errorf("json does not match schema: %w", err)
	}
	var out struct {
		Description string `json:"description"`
		VisualType  string `json:"visual_type"`
	}
	if err := json.Unmarshal(content, &out); err != nil {
		return "", fmt.Errorf("unmarshal description: %w", err)
	}
	text := strings.TrimSpace(out.Description)
	if vt := strings.TrimSpace(out.VisualType); vt != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(vt)) {
		text = fmt.Sprintf("[%s] %s", vt, text)
	}
	return text, nil
}

// postJSON は JSON を POST し、2xx 以外は KindUpstream のエラーとして返します。
func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindUpstream, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Kind: KindUpstream, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindUpstream, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 512))}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
