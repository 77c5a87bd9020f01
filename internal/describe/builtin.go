package describe

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/yourusername/parse-forge/internal/pipeline"
)

// Builtin は外部サービスを使わず、画像の寸法と色調から説明文を組み立てます。
// プロンプトは使用しません。
type Builtin struct{}

// Describe implements Describer.
func (Builtin) Describe(ctx context.Context, imageURI, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mimeType, data, err := pipeline.DecodeDataURI(imageURI)
	if err != nil {
		return "", &Error{Kind: KindInvalidInput, Err: err}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &Error{Kind: KindInvalidInput, Err: fmt.Errorf("decode %s: %w", mimeType, err)}
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	orientation := "square"
	switch {
	case w > h:
		orientation = "landscape"
	case h > w:
		orientation = "portrait"
	}

	stats := sampleColors(img)
	var kind string
	switch {
	case stats.grayscale && stats.lightRatio > 0.7:
		kind = "likely a scanned page, diagram or line drawing"
	case stats.grayscale:
		kind = "a grayscale image"
	case stats.distinct < 24:
		kind = "likely a chart or illustration with a small palette"
	default:
		kind = "likely a photograph or detailed graphic"
	}

	parts := []string{
		fmt.Sprintf("%s image, %dx%d pixels, %s orientation", strings.ToUpper(format), w, h, orientation),
		kind,
		fmt.Sprintf("predominantly %s", stats.dominant),
	}
	return strings.Join(parts, "; ") + ".", nil
}

type colorStats struct {
	grayscale  bool
	lightRatio float64
	distinct   int
	dominant   string
}

// sampleColors は最大 64x64 点を間引いて色の傾向を求めます。
func sampleColors(img image.Image) colorStats {
	b := img.Bounds()
	stepX := max(1, b.Dx()/64)
	stepY := max(1, b.Dy()/64)

	var total, gray, light int
	palette := make(map[uint32]struct{})
	buckets := make(map[string]int)
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			r8, g8, b8 := r>>8, g>>8, bl>>8
			total++
			if absDiff(r8, g8) < 16 && absDiff(g8, b8) < 16 && absDiff(r8, b8) < 16 {
				gray++
			}
			if (r8+g8+b8)/3 > 200 {
				light++
			}
			palette[(r8>>4)<<8|(g8>>4)<<4|(b8>>4)] = struct{}{}
			buckets[colorName(r8, g8, b8)]++
		}
	}
	if total == 0 {
		return colorStats{dominant: "empty"}
	}

	dominant, best := "mixed colors", 0
	for name, n := range buckets {
		if n > best || (n == best && name < dominant) {
			dominant, best = name, n
		}
	}
	return colorStats{
		grayscale:  float64(gray)/float64(total) > 0.95,
		lightRatio: float64(light) / float64(total),
		distinct:   len(palette),
		dominant:   dominant,
	}
}

func colorName(r, g, b uint32) string {
	avg := (r + g + b) / 3
	switch {
	case absDiff(r, g) < 24 && absDiff(g, b) < 24:
		switch {
		case avg > 200:
			return "white"
		case avg < 55:
			return "black"
		default:
			return "gray"
		}
	case r >= g && r >= b:
		if g > b+40 {
			return "yellow"
		}
		return "red"
	case g >= r && g >= b:
		return "green"
	default:
		return "blue"
	}
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
