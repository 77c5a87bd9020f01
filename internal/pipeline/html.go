package pipeline

import (
	"context"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlConverter は HTML をテキスト・表・画像へ分解します。
type htmlConverter struct{}

func (htmlConverter) Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to open html file", err)
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to parse html", err)
	}

	w := &htmlWalker{
		ctx: ctx,
		cfg: cfg,
		doc: &Document{Pages: []PageInfo{{PageNumber: 1}}},
	}
	if title := findTitle(root); title != "" {
		w.doc.AddText(LabelTitle, title, 1, nil)
		w.titled = true
	}
	if err := w.walk(root); err != nil {
		return nil, nil, err
	}
	return w.doc, w.warnings, nil
}

type htmlWalker struct {
	ctx      context.Context
	cfg      Config
	doc      *Document
	titled   bool
	visited  int
	warnings []string
}

func (w *htmlWalker) walk(n *html.Node) error {
	w.visited++
	if w.visited%1024 == 0 {
		if err := w.ctx.Err(); err != nil {
			return err
		}
	}
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template:
			return nil
		case atom.H1:
			label := LabelSectionHeader
			if !w.titled {
				label = LabelTitle
				w.titled = true
			}
			w.doc.AddText(label, nodeText(n), 1, nil)
			return nil
		case atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.doc.AddText(LabelSectionHeader, nodeText(n), 1, nil)
			return nil
		case atom.P, atom.Blockquote:
			w.doc.AddText(LabelParagraph, nodeText(n), 1, nil)
			w.collectImages(n)
			return nil
		case atom.Li:
			w.doc.AddText(LabelListItem, nodeText(n), 1, nil)
			return nil
		case atom.Pre:
			w.doc.AddText(LabelCode, rawText(n), 1, nil)
			return nil
		case atom.Figcaption, atom.Caption:
			w.doc.AddText(LabelCaption, nodeText(n), 1, nil)
			return nil
		case atom.Table:
			w.table(n)
			return nil
		case atom.Img:
			w.image(n, "")
			return nil
		case atom.Figure:
			w.figure(n)
			return nil
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := w.walk(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *htmlWalker) table(n *html.Node) {
	var rows [][]string
	var caption string
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Caption:
				caption = nodeText(c)
			case atom.Tr:
				var row []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						row = append(row, nodeText(cell))
					}
				}
				if len(row) > 0 {
					rows = append(rows, row)
				}
			case atom.Table:
				// 入れ子の表は外側のセル文字列に含まれるため個別には扱わない
			default:
				visit(c)
			}
		}
	}
	visit(n)

	if w.cfg.ExtractTables {
		w.doc.AddTable(rows, 1, caption)
		return
	}
	for _, row := range rows {
		w.doc.AddText(LabelText, strings.Join(row, " "), 1, nil)
	}
}

func (w *htmlWalker) figure(n *html.Node) {
	var caption string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Figcaption {
			caption = nodeText(c)
		}
	}
	if caption != "" {
		w.doc.AddText(LabelCaption, caption, 1, nil)
	}
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Img {
				w.image(c, caption)
				continue
			}
			visit(c)
		}
	}
	visit(n)
}

func (w *htmlWalker) collectImages(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Img {
			w.image(c, "")
			continue
		}
		w.collectImages(c)
	}
}

func (w *htmlWalker) image(n *html.Node, caption string) {
	if !w.cfg.ExtractImages {
		return
	}
	src := attr(n, "src")
	if caption == "" {
		caption = attr(n, "alt")
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

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return nodeText(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// nodeText は子孫のテキストを空白正規化して連結します。
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
			return
		}
		if node.Type == html.ElementNode && (node.DataAtom == atom.Script || node.DataAtom == atom.Style) {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func rawText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
