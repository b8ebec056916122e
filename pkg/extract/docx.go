package extract

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"github.com/quiverhq/quiver/pkg/store"
)

// DocxExtractor reads uploaded DOCX archives and emits one block per
// paragraph. Word stores no reliable heading semantics in the raw run text, so
// all blocks are paragraphs.
type DocxExtractor struct{}

// NewDocxExtractor creates a DOCX extractor.
func NewDocxExtractor() *DocxExtractor {
	return &DocxExtractor{}
}

// Extract opens the archive and parses its document XML into paragraphs.
func (e *DocxExtractor) Extract(data []byte) ([]TextBlock, error) {
	reader, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open DOCX: %w", err)
	}
	defer reader.Close()

	content := reader.Editable().GetContent()
	paragraphs, err := docxParagraphs(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOCX content: %w", err)
	}

	blocks := make([]TextBlock, 0, len(paragraphs))
	for i, text := range paragraphs {
		blocks = append(blocks, TextBlock{
			Text: text,
			Location: store.Location{
				Kind:        store.LocationDoc,
				ElementType: "paragraph",
				ParaIndex:   i,
			},
		})
	}
	return blocks, nil
}

// docxParagraphs walks the WordprocessingML stream collecting text runs per
// paragraph element.
func docxParagraphs(content string) ([]string, error) {
	decoder := xml.NewDecoder(strings.NewReader(content))

	var paragraphs []string
	var current strings.Builder
	inParagraph := false
	inText := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inParagraph = true
				current.Reset()
			case "t":
				inText = inParagraph
			case "tab":
				if inParagraph {
					current.WriteByte(' ')
				}
			case "br":
				if inParagraph {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inParagraph = false
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}
