package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	ledongpdf "github.com/ledongthuc/pdf"

	"github.com/quiverhq/quiver/pkg/ocr"
	"github.com/quiverhq/quiver/pkg/store"
)

// OCRProvider recognizes a PDF into per-page Markdown.
type OCRProvider interface {
	Process(ctx context.Context, pdf []byte) ([]ocr.Page, error)
}

// PDFExtractor turns PDF bytes into blocks via OCR, falling back to embedded
// text extraction when the OCR provider is unavailable.
type PDFExtractor struct {
	ocr OCRProvider
}

// NewPDFExtractor creates a PDF extractor. A nil provider skips straight to
// the native-text fallback.
func NewPDFExtractor(provider OCRProvider) *PDFExtractor {
	return &PDFExtractor{ocr: provider}
}

// Extract runs OCR and tokenizes the resulting Markdown into blocks.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte) ([]TextBlock, error) {
	if e.ocr == nil {
		return extractNativePDF(data)
	}
	pages, err := e.ocr.Process(ctx, data)
	if err != nil {
		return nil, err
	}
	return ParseOCRPages(pages), nil
}

// ParseOCRPages tokenizes per-page Markdown. A "#" line starts a heading
// block with its level taken from the marker count; blank lines terminate the
// running block. Block indices run across the whole document.
func ParseOCRPages(pages []ocr.Page) []TextBlock {
	var blocks []TextBlock
	blockIndex := 0

	for i, page := range pages {
		pageNum := i + 1
		currentHeading := ""
		var buffer []string

		flush := func() {
			if len(buffer) == 0 {
				return
			}
			blocks = append(blocks, TextBlock{
				Text: strings.Join(buffer, "\n"),
				Location: store.Location{
					Kind:       store.LocationPDF,
					Page:       pageNum,
					BlockIndex: blockIndex,
				},
				HeadingContext: currentHeading,
			})
			blockIndex++
			buffer = nil
		}

		for _, line := range strings.Split(page.Markdown, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "#"):
				flush()
				level := 0
				for level < len(trimmed) && trimmed[level] == '#' {
					level++
				}
				text := strings.TrimSpace(trimmed[level:])
				if text == "" {
					continue
				}
				blocks = append(blocks, TextBlock{
					Text: text,
					Location: store.Location{
						Kind:         store.LocationPDF,
						Page:         pageNum,
						BlockIndex:   blockIndex,
						HeadingLevel: level,
					},
					HeadingContext: text,
				})
				blockIndex++
				currentHeading = text

			case trimmed == "":
				flush()

			default:
				buffer = append(buffer, trimmed)
			}
		}
		flush()
	}
	return blocks
}

// extractNativePDF pulls embedded text out of the PDF, one block per page
// paragraph. Scanned PDFs without a text layer come back empty here.
func extractNativePDF(data []byte) ([]TextBlock, error) {
	reader, err := ledongpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	var blocks []TextBlock
	blockIndex := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("Failed to extract PDF page text", "page", pageNum, "error", err)
			continue
		}
		for _, para := range strings.Split(text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			blocks = append(blocks, TextBlock{
				Text: para,
				Location: store.Location{
					Kind:       store.LocationPDF,
					Page:       pageNum,
					BlockIndex: blockIndex,
				},
			})
			blockIndex++
		}
	}
	return blocks, nil
}
