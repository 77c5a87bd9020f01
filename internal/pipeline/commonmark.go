package pipeline

import (
	"context"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// markdownConverter は goldmark で Markdown を構文木にし、ブロック単位で文書要素へ変換します。
// 表は GFM の表拡張で読み取ります。
type markdownConverter struct {
	md goldmark.Markdown
}

func newMarkdownConverter() *markdownConverter {
	return &markdownConverter{
		md: goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
	}
}

func (c *markdownConverter) Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to open markdown file", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	root := c.md.Parser().Parse(gmtext.NewReader(source))
	w := &markdownWalker{
		ctx:    ctx,
		cfg:    cfg,
		source: source,
		doc:    &Document{Pages: []PageInfo{{PageNumber: 1}}},
	}
	if err := ast.Walk(root, w.visit); err != nil {
		return nil, nil, err
	}
	return w.doc, w.warnings, nil
}

type markdownWalker struct {
	ctx      context.Context
	cfg      Config
	source   []byte
	doc      *Document
	titled   bool
	visited  int
	warnings []string
}

func (w *markdownWalker) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	w.visited++
	if w.visited%256 == 0 {
		if err := w.ctx.Err(); err != nil {
			return ast.WalkStop, err
		}
	}

	switch node := n.(type) {
	case *ast.Heading:
		label := LabelSectionHeader
		if node.Level == 1 && !w.titled {
			label = LabelTitle
			w.titled = true
		}
		w.add(label, w.inline(node))
	case *ast.ListItem:
		if first := node.FirstChild(); first != nil {
			w.add(LabelListItem, w.inline(first))
		}
	case *ast.Paragraph, *ast.TextBlock:
		// 箇条書きの先頭ブロックは ListItem 側で出力済み
		if _, ok := n.Parent().(*ast.ListItem); ok && n.PreviousSibling() == nil {
			return ast.WalkContinue, nil
		}
		w.add(LabelParagraph, w.inline(n))
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		w.add(LabelCode, strings.TrimRight(w.lines(n), "\n"))
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock:
		return ast.WalkSkipChildren, nil
	case *east.Table:
		w.table(node)
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		w.image(node)
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (w *markdownWalker) add(label, text string) {
	if text == "" {
		return
	}
	w.doc.AddText(label, text, 1, nil)
}

func (w *markdownWalker) table(t *east.Table) {
	var rows [][]string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var row []string
		for cell := r.FirstChild(); cell != nil; cell = cell.NextSibling() {
			row = append(row, w.inline(cell))
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return
	}
	if w.cfg.ExtractTables {
		w.doc.AddTable(rows, 1, "")
		return
	}
	for _, row := range rows {
		w.add(LabelText, strings.Join(strings.Fields(strings.Join(row, " ")), " "))
	}
}

func (w *markdownWalker) image(img *ast.Image) {
	if !w.cfg.ExtractImages {
		return
	}
	src := string(img.Destination)
	caption := w.inline(img)
	if caption == "" {
		caption = string(img.Title)
	}
	pic := PictureItem{Page: 1, Caption: caption}
	if strings.HasPrefix(src, "data:image/") {
		uri, mimeType, width, height, err := rescaleDataURI(src, w.cfg.ImageScale)
		if err != nil {
			w.warnings = append(w.warnings, "skipped undecodable inline image: "+err.Error())
			return
		}
		pic.ImageURI = uri
		pic.MimeType = mimeType
		pic.Width = width
		pic.Height = height
	}
	w.doc.AddPicture(pic)
}

// inline はインライン要素のテキストを空白正規化して連結します。画像の代替テキストは含めません。
func (w *markdownWalker) inline(n ast.Node) string {
	var b strings.Builder
	var visit func(ast.Node)
	visit = func(parent ast.Node) {
		for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(w.source))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte(' ')
				}
			case *ast.String:
				b.Write(t.Value)
			case *ast.AutoLink:
				b.Write(t.URL(w.source))
			case *ast.RawHTML, *ast.Image:
			default:
				visit(c)
			}
		}
	}
	visit(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (w *markdownWalker) lines(n ast.Node) string {
	var b strings.Builder
	segments := n.Lines()
	for i := 0; i < segments.Len(); i++ {
		seg := segments.At(i)
		b.Write(seg.Value(w.source))
	}
	return b.String()
}
