package pipeline

import (
	"bufio"
	"context"
	"os"
	"strings"
)

// textConverter はプレーンテキストを扱います。空行で区切られた塊を1つの段落とします。
type textConverter struct{}

func (textConverter) Convert(ctx context.Context, path string, cfg Config) (*Document, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, newError(KindCorrupt, "failed to open text file", err)
	}
	defer f.Close()

	doc := &Document{Pages: []PageInfo{{PageNumber: 1}}}
	var paragraph []string
	flush := func() {
		if len(paragraph) > 0 {
			doc.AddText(LabelParagraph, strings.Join(paragraph, " "), 1, nil)
			paragraph = nil
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" {
			flush()
			continue
		}
		paragraph = append(paragraph, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, newError(KindCorrupt, "failed to read text file", err)
	}
	flush()
	return doc, nil, nil
}
