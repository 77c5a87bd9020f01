package parse

import (
	"fmt"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/parse-forge/internal/jobs"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// TextsHandler は GET /api/v1/parse/results/:id/texts のハンドラーを返します。
func TextsHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var page *int
		if raw := strings.TrimSpace(c.Query("page")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    CodeInvalidInput,
					"message": "page は1以上の整数で指定してください。",
				})
				return
			}
			page = &n
		}
		label := strings.TrimSpace(c.Query("label"))

		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}

		texts := filterTexts(lookup.Payload.Content.Texts, page, label)
		payload := gin.H{
			"texts": texts,
			"count": len(texts),
		}
		if page != nil {
			payload["pageFilter"] = *page
		}
		if label != "" {
			payload["labelFilter"] = label
		}
		c.JSON(http.StatusOK, payload)
	}
}

func filterTexts(texts []pipeline.TextItem, page *int, label string) []pipeline.TextItem {
	out := make([]pipeline.TextItem, 0, len(texts))
	for _, t := range texts {
		if page != nil && t.Page != *page {
			continue
		}
		if label != "" && t.Label != label {
			continue
		}
		out = append(out, t)
	}
	return out
}

// csvTable は format=csv 指定時の表です。
type csvTable struct {
	ID   string `json:"id"`
	Page int    `json:"page,omitempty"`
	CSV  string `json:"csv"`
}

// TablesHandler は GET /api/v1/parse/results/:id/tables のハンドラーを返します。
func TablesHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "dict")))
		if format != "dict" && format != "csv" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "format は dict または csv を指定してください。",
			})
			return
		}

		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}

		tables := lookup.Payload.Content.Tables
		if format == "csv" {
			out := make([]csvTable, len(tables))
			for i, t := range tables {
				out[i] = csvTable{ID: t.ID, Page: t.Page, CSV: t.CSV}
			}
			c.JSON(http.StatusOK, gin.H{"tables": out, "count": len(out), "format": format})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tables": tables, "count": len(tables), "format": format})
	}
}

// TablesExportHandler は GET /api/v1/parse/results/:id/tables/export のハンドラーを返します。
// 表ごとに1シートの XLSX を返します。
func TablesExportHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		result := lookup.Payload
		if len(result.Content.Tables) == 0 {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "TABLES_NOT_FOUND",
				"message": "この文書から表は抽出されていません。",
			})
			return
		}

		buf, err := tablesWorkbook(result.Content.Tables)
		if err != nil {
			respondWithError(c, err)
			return
		}
		setAttachment(c, exportName(result, ".xlsx"), result.JobID)
		c.Data(http.StatusOK, xlsxContentType, buf)
	}
}

// tablesWorkbook は表を XLSX に書き出します。数値として解釈できるセルは数値で書き込みます。
func tablesWorkbook(tables []pipeline.TableItem) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const defaultSheet = "Sheet1"
	for i, t := range tables {
		name := sheetName(i, t)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				return nil, fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}

		for r, row := range t.Data {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return nil, err
			}
			values := make([]interface{}, len(row))
			for j, v := range row {
				values[j] = cellValue(v)
			}
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				return nil, fmt.Errorf("failed to write row %d of %s: %w", r+1, name, err)
			}
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func sheetName(i int, t pipeline.TableItem) string {
	if t.Page > 0 {
		return fmt.Sprintf("Table%d (p%d)", i+1, t.Page)
	}
	return fmt.Sprintf("Table%d", i+1)
}

func cellValue(v string) interface{} {
	s := strings.TrimSpace(v)
	if s == "" || (len(s) > 1 && s[0] == '0' && s[1] != '.') {
		return v
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return v
	}
	return n
}

// ImagesHandler は GET /api/v1/parse/results/:id/images のハンドラーを返します。
func ImagesHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		pictures := lookup.Payload.Content.Pictures
		c.JSON(http.StatusOK, gin.H{"images": pictures, "count": len(pictures)})
	}
}

// MarkdownExportHandler は GET /api/v1/parse/results/:id/export/markdown のハンドラーを返します。
func MarkdownExportHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		result := lookup.Payload
		setAttachment(c, exportName(result, ".md"), result.JobID)
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(result.Content.Markdown))
	}
}

// JSONExportHandler は GET /api/v1/parse/results/:id/export/json のハンドラーを返します。
func JSONExportHandler(reader JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		lookup, ok := readyResult(c, reader)
		if !ok {
			return
		}
		result := lookup.Payload
		setAttachment(c, exportName(result, ".json"), result.JobID)
		c.IndentedJSON(http.StatusOK, result)
	}
}

func exportName(result *jobs.ParseResult, ext string) string {
	base := strings.TrimSuffix(result.Metadata.Filename, filepath.Ext(result.Metadata.Filename))
	if strings.TrimSpace(base) == "" {
		base = result.JobID
	}
	return base + ext
}

// setAttachment はダウンロード用のヘッダーを設定します。
// ファイル名は引用符や非ASCII文字を含み得るため mime.FormatMediaType でエスケープします。
func setAttachment(c *gin.Context, filename, jobID string) {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = mime.FormatMediaType("attachment", map[string]string{"filename": jobID + filepath.Ext(filename)})
	}
	if disposition == "" {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", disposition)
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
}
