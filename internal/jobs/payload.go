package jobs

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/parse-forge/internal/pipeline"
)

// DocumentMetadata は解析対象ファイルのメタデータです。
type DocumentMetadata struct {
	Filename         string          `json:"filename"`
	MimeType         string          `json:"mimetype,omitempty"`
	BinaryHash       string          `json:"binaryHash,omitempty"`
	FileSizeBytes    int64           `json:"fileSizeBytes"`
	PageCount        int             `json:"pageCount"`
	ProcessingTimeMs float64         `json:"processingTimeMs"`
	ParsedAt         time.Time       `json:"parsedAt"`
	ParsingMode      pipeline.Mode   `json:"parsingMode"`
	ConversionStatus pipeline.Status `json:"conversionStatus"`
	Warnings         []string        `json:"warnings,omitempty"`
}

// DocumentStatistics は抽出要素の件数です。
type DocumentStatistics struct {
	TotalTextItems     int `json:"totalTextItems"`
	TotalTables        int `json:"totalTables"`
	TotalPictures      int `json:"totalPictures"`
	TotalKeyValueItems int `json:"totalKeyValueItems"`
	DescribedPictures  int `json:"describedPictures"`
}

// DocumentContent は抽出内容です。
type DocumentContent struct {
	Markdown string                 `json:"markdown"`
	Pages    []pipeline.PageInfo    `json:"pages"`
	Texts    []pipeline.TextItem    `json:"texts"`
	Tables   []pipeline.TableItem   `json:"tables"`
	Pictures []pipeline.PictureItem `json:"pictures"`
}

// ExportURLs は派生形式の取得先です。
type ExportURLs struct {
	MarkdownURL string `json:"markdownUrl"`
	JSONURL     string `json:"jsonUrl"`
	ImagesURL   string `json:"imagesUrl,omitempty"`
	XLSXURL     string `json:"xlsxUrl,omitempty"`
}

// ParseResult は完了したジョブの解析結果です。
// ResultCache に保存した後は変更しないため、ポインタのまま共有します。
type ParseResult struct {
	JobID      string             `json:"jobId"`
	Status     Status             `json:"status"`
	Metadata   DocumentMetadata   `json:"metadata"`
	Statistics DocumentStatistics `json:"statistics"`
	Content    DocumentContent    `json:"content"`
	Exports    ExportURLs         `json:"exports"`
}

func newParseResult(jobID string, input Input, conv *pipeline.Conversion, parsedAt time.Time) *ParseResult {
	doc := conv.Document
	filename := input.Filename
	if filename == "" {
		filename = doc.Origin.Filename
	}
	return &ParseResult{
		JobID:  jobID,
		Status: StatusCompleted,
		Metadata: DocumentMetadata{
			Filename:         filename,
			MimeType:         doc.Origin.MimeType,
			BinaryHash:       doc.Origin.BinaryHash,
			FileSizeBytes:    doc.Origin.Size,
			PageCount:        len(doc.Pages),
			ProcessingTimeMs: float64(conv.Elapsed.Microseconds()) / 1000,
			ParsedAt:         parsedAt,
			ParsingMode:      input.Options.Normalize().Mode,
			ConversionStatus: conv.Status,
			Warnings:         conv.Warnings,
		},
		Statistics: DocumentStatistics{
			TotalTextItems: len(doc.Texts),
			TotalTables:    len(doc.Tables),
			TotalPictures:  len(doc.Pictures),
		},
		Content: DocumentContent{
			Pages:    nonNil(doc.Pages),
			Texts:    nonNil(doc.Texts),
			Tables:   nonNil(doc.Tables),
			Pictures: nonNil(doc.Pictures),
		},
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Locator はジョブ関連URLを組み立てます。
type Locator struct {
	base string
}

// DefaultBasePath は API の既定パスです。
const DefaultBasePath = "/api/v1/parse"

// NewLocator は baseURL を起点とする Locator を返します。空の場合は相対パスを使います。
func NewLocator(baseURL string) Locator {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBasePath
	}
	return Locator{base: base}
}

// StatusURL はジョブ状態の取得先を返します。
func (l Locator) StatusURL(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s", l.root(), url.PathEscape(jobID))
}

// ResultURL は解析結果の取得先を返します。
func (l Locator) ResultURL(jobID string) string {
	return fmt.Sprintf("%s/results/%s", l.root(), url.PathEscape(jobID))
}

// Exports は結果に応じた派生形式の取得先を返します。
func (l Locator) Exports(jobID string, result *ParseResult) ExportURLs {
	base := l.ResultURL(jobID)
	out := ExportURLs{
		MarkdownURL: base + "/export/markdown",
		JSONURL:     base + "/export/json",
	}
	if result != nil && len(result.Content.Pictures) > 0 {
		out.ImagesURL = base + "/images"
	}
	if result != nil && len(result.Content.Tables) > 0 {
		out.XLSXURL = base + "/tables/export"
	}
	return out
}

func (l Locator) root() string {
	if l.base == "" {
		return DefaultBasePath
	}
	return l.base
}
