package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// テキスト要素のラベル
const (
	LabelTitle         = "title"
	LabelSectionHeader = "section_header"
	LabelParagraph     = "paragraph"
	LabelListItem      = "list_item"
	LabelCaption       = "caption"
	LabelCode          = "code"
	LabelText          = "text"
)

// BoundingBox はページ座標系での矩形です（左下原点、ポイント単位）。
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// TextItem は抽出されたテキスト要素です。
type TextItem struct {
	ID    string       `json:"id"`
	Label string       `json:"label"`
	Text  string       `json:"text"`
	Page  int          `json:"page,omitempty"`
	BBox  *BoundingBox `json:"bbox,omitempty"`
}

// TableItem は抽出された表です。Data の先頭行をヘッダーとして扱います。
type TableItem struct {
	ID      string       `json:"id"`
	Page    int          `json:"page,omitempty"`
	Rows    int          `json:"rows"`
	Columns int          `json:"columns"`
	Caption string       `json:"caption,omitempty"`
	Data    [][]string   `json:"data"`
	CSV     string       `json:"dataframeCsv,omitempty"`
	BBox    *BoundingBox `json:"bbox,omitempty"`
}

// PictureItem は抽出された画像です。
type PictureItem struct {
	ID                  string       `json:"id"`
	Page                int          `json:"page,omitempty"`
	BBox                *BoundingBox `json:"bbox,omitempty"`
	Caption             string       `json:"caption,omitempty"`
	MimeType            string       `json:"mimeType,omitempty"`
	Width               int          `json:"width,omitempty"`
	Height              int          `json:"height,omitempty"`
	ImageURI            string       `json:"imageUri,omitempty"`
	Description         string       `json:"description,omitempty"`
	DescriptionProvider string       `json:"descriptionProvider,omitempty"`
}

// PageInfo はページの寸法です。
type PageInfo struct {
	PageNumber int     `json:"pageNumber"`
	Width      float64 `json:"width,omitempty"`
	Height     float64 `json:"height,omitempty"`
	ItemsCount int     `json:"itemsCount"`
}

// Origin は入力ファイルの由来情報です。
type Origin struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mimetype"`
	BinaryHash string `json:"binaryHash"`
	Size       int64  `json:"size"`
}

// Document は変換後の構造化ドキュメントです。
type Document struct {
	Name     string        `json:"name"`
	Origin   Origin        `json:"origin"`
	Pages    []PageInfo    `json:"pages"`
	Texts    []TextItem    `json:"texts"`
	Tables   []TableItem   `json:"tables"`
	Pictures []PictureItem `json:"pictures"`
}

// AddText はテキスト要素を追加します。空文字列は無視します。
func (d *Document) AddText(label, text string, page int, bbox *BoundingBox) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.Texts = append(d.Texts, TextItem{
		ID:    fmt.Sprintf("#/texts/%d", len(d.Texts)),
		Label: label,
		Text:  text,
		Page:  page,
		BBox:  bbox,
	})
}

// AddTable は行データから表を追加します。列数は最長の行に揃えます。
func (d *Document) AddTable(rows [][]string, page int, caption string) {
	if len(rows) == 0 {
		return
	}
	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	if cols == 0 {
		return
	}
	data := make([][]string, len(rows))
	for i, row := range rows {
		padded := make([]string, cols)
		copy(padded, row)
		data[i] = padded
	}
	d.Tables = append(d.Tables, TableItem{
		ID:      fmt.Sprintf("#/tables/%d", len(d.Tables)),
		Page:    page,
		Rows:    len(data),
		Columns: cols,
		Caption: caption,
		Data:    data,
		CSV:     tableCSV(data),
	})
}

// AddPicture は画像を追加し、採番済みIDを返します。
func (d *Document) AddPicture(p PictureItem) string {
	p.ID = fmt.Sprintf("#/pictures/%d", len(d.Pictures))
	d.Pictures = append(d.Pictures, p)
	return p.ID
}

// countItems はページごとの要素数を PageInfo に反映します。
func (d *Document) countItems() {
	if len(d.Pages) == 0 {
		return
	}
	counts := make(map[int]int, len(d.Pages))
	for _, t := range d.Texts {
		counts[t.Page]++
	}
	for _, t := range d.Tables {
		counts[t.Page]++
	}
	for _, p := range d.Pictures {
		counts[p.Page]++
	}
	for i := range d.Pages {
		d.Pages[i].ItemsCount = counts[d.Pages[i].PageNumber]
	}
}

func tableCSV(rows [][]string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return ""
	}
	return buf.String()
}
