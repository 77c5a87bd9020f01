package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// 変換後の画像の一辺の上限（ピクセル）
const maxImageSide = 8192

// imageConverter は単一画像を1ページの文書として扱います。
type imageConverter struct {
	ocr *Tesseract
}

func (c imageConverter) Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to read image", err)
	}
	imgCfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to decode image", err)
	}

	doc := &Document{Pages: []PageInfo{{
		PageNumber: 1,
		Width:      float64(imgCfg.Width),
		Height:     float64(imgCfg.Height),
	}}}

	var warnings []string
	if cfg.Mode == ModeOCR || cfg.Mode == ModeHighQuality {
		if c.ocr == nil {
			warnings = append(warnings, "ocr requested but no ocr engine is configured")
		} else {
			text, err := c.ocr.Recognize(ctx, path, cfg.Language)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				warnings = append(warnings, "ocr failed: "+err.Error())
			}
			for _, block := range splitBlocks(text) {
				doc.AddText(LabelText, block, 1, nil)
			}
		}
	}

	if cfg.ExtractImages {
		uri, mimeType, width, height, err := scaleImage(data, "image/"+format, cfg.ImageScale)
		if err != nil {
			warnings = append(warnings, "failed to encode picture: "+err.Error())
		} else {
			doc.AddPicture(PictureItem{
				Page: 1,
				BBox: &BoundingBox{
					Left:   0,
					Top:    float64(imgCfg.Height),
					Right:  float64(imgCfg.Width),
					Bottom: 0,
				},
				MimeType: mimeType,
				Width:    width,
				Height:   height,
				ImageURI: uri,
			})
		}
	}
	return doc, warnings, nil
}

// rescaleDataURI は data URI の画像を倍率に応じて再エンコードします。
func rescaleDataURI(uri string, scale float64) (string, string, int, int, error) {
	mimeType, data, err := DecodeDataURI(uri)
	if err != nil {
		return "", "", 0, 0, err
	}
	return scaleImage(data, mimeType, scale)
}

// scaleImage は倍率 scale/2.0 で画像を拡縮し、data URI として返します。
// 倍率が等倍の場合は元のバイト列をそのまま使います。
func scaleImage(data []byte, mimeType string, scale float64) (string, string, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", 0, 0, err
	}
	bounds := src.Bounds()
	factor := scale / baseScale
	if factor <= 0 || math.Abs(factor-1) < 1e-9 {
		return EncodeDataURI(mimeType, data), mimeType, bounds.Dx(), bounds.Dy(), nil
	}

	w := int(math.Round(float64(bounds.Dx()) * factor))
	h := int(math.Round(float64(bounds.Dy()) * factor))
	if w > maxImageSide || h > maxImageSide {
		shrink := float64(maxImageSide) / math.Max(float64(w), float64(h))
		w = int(float64(w) * shrink)
		h = int(float64(h) * shrink)
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", "", 0, 0, err
	}
	return EncodeDataURI("image/png", buf.Bytes()), "image/png", w, h, nil
}

// EncodeDataURI は base64 の data URI を組み立てます。
func EncodeDataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI は base64 の data URI を MIME タイプとバイト列に分解します。
func DecodeDataURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, fmt.Errorf("not a data uri")
	}
	header, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data uri")
	}
	params := strings.Split(header, ";")
	mimeType := params[0]
	isBase64 := false
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", nil, fmt.Errorf("data uri is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, data, nil
}

func splitBlocks(text string) []string {
	var blocks []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		joined := strings.Join(strings.Fields(block), " ")
		if joined != "" {
			blocks = append(blocks, joined)
		}
	}
	return blocks
}
