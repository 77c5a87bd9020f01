package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Markdown は文書をページ順に Markdown として書き出します。
// 画像は説明があれば引用として、なければプレースホルダーとして出力します。
func (d *Document) Markdown() string {
	type block struct {
		page  int
		order int
		text  string
	}
	var blocks []block
	seq := 0
	add := func(page int, text string) {
		blocks = append(blocks, block{page: page, order: seq, text: text})
		seq++
	}

	for _, t := range d.Texts {
		add(t.Page, markdownText(t))
	}
	for _, t := range d.Tables {
		add(t.Page, markdownTable(t))
	}
	for _, p := range d.Pictures {
		add(p.Page, markdownPicture(p))
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].page < blocks[j].page
	})

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.text != "" {
			parts = append(parts, b.text)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n") + "\n"
}

func markdownText(t TextItem) string {
	switch t.Label {
	case LabelTitle:
		return "# " + t.Text
	case LabelSectionHeader:
		return "## " + t.Text
	case LabelListItem:
		return "- " + t.Text
	case LabelCode:
		return "```\n" + t.Text + "\n```"
	case LabelCaption:
		return "*" + t.Text + "*"
	default:
		return t.Text
	}
}

func markdownTable(t TableItem) string {
	if len(t.Data) == 0 || t.Columns == 0 {
		return ""
	}
	var b strings.Builder
	if t.Caption != "" {
		b.WriteString("*" + t.Caption + "*\n\n")
	}
	writeRow := func(row []string) {
		b.WriteString("|")
		for _, cell := range row {
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(cell, "|", `\|`))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(t.Data[0])
	b.WriteString("|")
	for i := 0; i < t.Columns; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range t.Data[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}

func markdownPicture(p PictureItem) string {
	alt := p.Caption
	if alt == "" {
		alt = "image"
	}
	line := fmt.Sprintf("<!-- image: %s -->", alt)
	if p.Description != "" {
		line += "\n\n> " + strings.ReplaceAll(strings.TrimSpace(p.Description), "\n", "\n> ")
	}
	return line
}
