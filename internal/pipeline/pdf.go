package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

// pdfConverter は PDF からページ寸法・テキスト・表・埋め込み画像を取り出します。
// 構造の検証・寸法・画像は pdfcpu、文字の取り出しは ledongthuc/pdf を使います。
type pdfConverter struct {
	ocr    *Tesseract
	logger *zap.Logger
}

func (c *pdfConverter) Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error) {
	pdfCtx, err := pdfapi.ReadContextFile(path)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "corrupt file", err)
	}
	if pdfCtx.PageCount == 0 {
		return nil, nil, newError(KindCorrupt, "corrupt file", fmt.Errorf("document has no pages"))
	}

	doc := &Document{}
	dims, err := pdfCtx.PageDims()
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to read page dimensions", err)
	}
	for i := 0; i < pdfCtx.PageCount; i++ {
		page := PageInfo{PageNumber: i + 1}
		if i < len(dims) {
			page.Width = dims[i].Width
			page.Height = dims[i].Height
		}
		doc.Pages = append(doc.Pages, page)
	}

	var warnings []string
	layouts, textWarnings, err := readLayouts(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		warnings = append(warnings, "text extraction failed: "+err.Error())
	}
	warnings = append(warnings, textWarnings...)
	emitLayouts(doc, layouts, cfg.ExtractTables)

	if cfg.ExtractImages || cfg.Mode == ModeOCR {
		warnings = append(warnings, c.extractImages(ctx, doc, path, cfg)...)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return doc, warnings, nil
}

func (c *pdfConverter) extractImages(ctx context.Context, doc *Document, path string, cfg Config) []string {
	f, err := os.Open(path)
	if err != nil {
		return []string{"failed to reopen pdf for image extraction: " + err.Error()}
	}
	defer f.Close()

	var warnings []string
	runOCR := cfg.Mode == ModeOCR && c.ocr != nil
	if cfg.Mode == ModeOCR && c.ocr == nil {
		warnings = append(warnings, "ocr requested but no ocr engine is configured")
	}

	digest := func(img model.Image, _ bool, _ int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := io.ReadAll(img)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: image %s unreadable: %v", img.PageNr, img.Name, err))
			return nil
		}
		mimeType := imageMimeType(img.FileType)
		if mimeType == "" {
			warnings = append(warnings, fmt.Sprintf("page %d: image %s has unsupported type %s", img.PageNr, img.Name, img.FileType))
			return nil
		}

		if runOCR {
			text, err := c.recognize(ctx, data, img.FileType, cfg.Language)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("page %d: ocr failed: %v", img.PageNr, err))
			}
			for _, block := range splitBlocks(text) {
				doc.AddText(LabelText, block, img.PageNr, nil)
			}
		}

		if !cfg.ExtractImages {
			return nil
		}
		uri, outType, width, height, err := scaleImage(data, mimeType, cfg.ImageScale)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: image %s undecodable: %v", img.PageNr, img.Name, err))
			return nil
		}
		doc.AddPicture(PictureItem{
			Page:     img.PageNr,
			MimeType: outType,
			Width:    width,
			Height:   height,
			ImageURI: uri,
		})
		return nil
	}

	if err := pdfapi.ExtractImages(f, nil, digest, model.NewDefaultConfiguration()); err != nil {
		if ctx.Err() != nil {
			return warnings
		}
		warnings = append(warnings, "image extraction failed: "+err.Error())
	}
	return warnings
}

// recognize は画像バイト列を一時ファイルに書き出して OCR にかけます。
func (c *pdfConverter) recognize(ctx context.Context, data []byte, fileType, lang string) (string, error) {
	tmp, err := os.CreateTemp("", "ocr-*."+strings.TrimPrefix(fileType, "."))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return c.ocr.Recognize(ctx, filepath.Clean(tmp.Name()), lang)
}

func imageMimeType(fileType string) string {
	switch strings.ToLower(strings.TrimPrefix(fileType, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	}
	return ""
}
