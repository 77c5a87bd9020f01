package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	pdftext "github.com/ledongthuc/pdf"
)

// textRun は同じ行・同じ大きさで連続する文字の並びです。
type textRun struct {
	x, y  float64
	size  float64
	width float64
	text  string
}

// readLayouts は各ページの文字を取り出し、行レイアウトにまとめます。
// 文字コードの解決（フォントのエンコーディングと ToUnicode）は ledongthuc/pdf に任せます。
func readLayouts(ctx context.Context, path string) (layouts []pageLayout, warnings []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, reader, err := pdftext.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	for pageNr := 1; pageNr <= reader.NumPage(); pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		glyphs, err := pageGlyphs(reader, pageNr)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: failed to read text: %v", pageNr, err))
			continue
		}
		if len(glyphs) == 0 {
			continue
		}
		layouts = append(layouts, layoutPage(pageNr, mergeGlyphs(glyphs)))
	}
	return layouts, warnings, nil
}

// pageGlyphs はページ内の文字描画を返します。壊れたコンテンツストリームはエラーにします。
func pageGlyphs(reader *pdftext.Reader, pageNr int) (glyphs []pdftext.Text, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed content stream: %v", r)
		}
	}()
	page := reader.Page(pageNr)
	if page.V.IsNull() {
		return nil, nil
	}
	return page.Content().Text, nil
}

// mergeGlyphs は隣接する文字を1つの textRun にまとめます。
// 単語間の隙間は後段の buildLine が空白またはセル区切りとして扱います。
func mergeGlyphs(glyphs []pdftext.Text) []textRun {
	var (
		runs []textRun
		cur  *textRun
		b    strings.Builder
	)
	flush := func() {
		if cur == nil {
			return
		}
		if text := strings.Join(strings.Fields(cleanText(b.String())), " "); text != "" {
			cur.text = text
			runs = append(runs, *cur)
		}
		cur = nil
		b.Reset()
	}

	for _, g := range glyphs {
		size := math.Abs(g.FontSize)
		if size == 0 {
			size = 1
		}
		width := g.W
		if width <= 0 {
			width = 0.5 * size * float64(utf8.RuneCountInString(g.S))
		}

		if cur != nil {
			gap := g.X - (cur.x + cur.width)
			sameLine := math.Abs(g.Y-cur.y) <= 0.25*cur.size
			sameSize := math.Abs(size-cur.size) < 0.5
			if !sameLine || !sameSize || gap < -0.5*size || gap > 0.2*size {
				flush()
			}
		}
		if cur == nil {
			if strings.TrimSpace(g.S) == "" {
				continue
			}
			cur = &textRun{x: g.X, y: g.Y, size: size}
		}
		b.WriteString(g.S)
		if end := g.X + width - cur.x; end > cur.width {
			cur.width = end
		}
	}
	flush()
	return runs
}

// cleanText は制御文字を除き、判読不能な文字が多い場合は空文字列を返します。
func cleanText(s string) string {
	var b strings.Builder
	total, bad := 0, 0
	for _, r := range s {
		total++
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteByte(' ')
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			bad++
		default:
			b.WriteRune(r)
		}
	}
	if total > 0 && float64(bad)/float64(total) > 0.3 {
		return ""
	}
	return b.String()
}

// pageLayout は行単位にまとめたページ内のテキストです。
type pageLayout struct {
	page  int
	lines []textLine
}

type textLine struct {
	y     float64
	size  float64
	left  float64
	right float64
	cells []string
}

func (l textLine) text() string {
	return strings.Join(l.cells, " ")
}

// layoutPage は描画を y 座標で行にまとめ、大きな横方向の隙間でセルに分割します。
func layoutPage(page int, runs []textRun) pageLayout {
	sort.SliceStable(runs, func(i, j int) bool {
		if math.Abs(runs[i].y-runs[j].y) > 0.5*math.Max(runs[i].size, 1) {
			return runs[i].y > runs[j].y
		}
		return runs[i].x < runs[j].x
	})

	var lines []textLine
	var current []textRun
	flush := func() {
		if len(current) == 0 {
			return
		}
		lines = append(lines, buildLine(current))
		current = nil
	}
	for _, r := range runs {
		if len(current) > 0 {
			ref := current[0]
			if math.Abs(ref.y-r.y) > 0.5*math.Max(ref.size, 1) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()
	return pageLayout{page: page, lines: lines}
}

func buildLine(runs []textRun) textLine {
	line := textLine{
		y:    runs[0].y,
		left: runs[0].x,
	}
	var cell strings.Builder
	prevEnd := runs[0].x
	for i, r := range runs {
		if r.size > line.size {
			line.size = r.size
		}
		gap := r.x - prevEnd
		if i > 0 {
			switch {
			case gap > 2*math.Max(r.size, 1):
				line.cells = append(line.cells, strings.TrimSpace(cell.String()))
				cell.Reset()
			case gap > 0.2*r.size:
				cell.WriteByte(' ')
			}
		}
		cell.WriteString(r.text)
		prevEnd = r.x + r.width
		if prevEnd > line.right {
			line.right = prevEnd
		}
	}
	line.cells = append(line.cells, strings.TrimSpace(cell.String()))
	return line
}

// emitLayouts は行を段落・見出し・表として文書に追加します。
func emitLayouts(doc *Document, layouts []pageLayout, extractTables bool) {
	body := medianSize(layouts)
	titled := false

	for _, pl := range layouts {
		lines := pl.lines
		for i := 0; i < len(lines); {
			// 同じ列数（2以上）の行が続く箇所を表とみなす
			if extractTables && len(lines[i].cells) >= 2 {
				j := i + 1
				for j < len(lines) && len(lines[j].cells) == len(lines[i].cells) {
					j++
				}
				if j-i >= 2 {
					rows := make([][]string, 0, j-i)
					for _, l := range lines[i:j] {
						rows = append(rows, l.cells)
					}
					doc.AddTable(rows, pl.page, "")
					doc.Tables[len(doc.Tables)-1].BBox = blockBox(lines[i:j])
					i = j
					continue
				}
			}

			line := lines[i]
			if body > 0 && line.size >= body*1.2 {
				label := LabelSectionHeader
				if !titled && pl.page == 1 {
					label = LabelTitle
					titled = true
				}
				doc.AddText(label, line.text(), pl.page, blockBox(lines[i:i+1]))
				i++
				continue
			}

			j := i + 1
			for j < len(lines) &&
				math.Abs(lines[j].size-line.size) < 0.5 &&
				lines[j-1].y-lines[j].y <= 1.8*math.Max(line.size, 1) &&
				!(extractTables && len(lines[j].cells) >= 2) {
				j++
			}
			parts := make([]string, 0, j-i)
			for _, l := range lines[i:j] {
				parts = append(parts, l.text())
			}
			doc.AddText(LabelParagraph, strings.Join(parts, " "), pl.page, blockBox(lines[i:j]))
			i = j
		}
	}
}

func blockBox(lines []textLine) *BoundingBox {
	if len(lines) == 0 {
		return nil
	}
	box := &BoundingBox{
		Left:   lines[0].left,
		Top:    lines[0].y + lines[0].size,
		Right:  lines[0].right,
		Bottom: lines[0].y,
	}
	for _, l := range lines[1:] {
		box.Left = math.Min(box.Left, l.left)
		box.Right = math.Max(box.Right, l.right)
		box.Top = math.Max(box.Top, l.y+l.size)
		box.Bottom = math.Min(box.Bottom, l.y)
	}
	return box
}

func medianSize(layouts []pageLayout) float64 {
	var sizes []float64
	for _, pl := range layouts {
		for _, l := range pl.lines {
			sizes = append(sizes, l.size)
		}
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Float64s(sizes)
	return sizes[len(sizes)/2]
}
