// Package extract turns remote file content into ordered text blocks and
// bounded chunks with structural locations. Extractors exist for exported doc
// HTML, OCR'd PDFs, spreadsheets, DOCX archives, and vision-described images;
// the chunker is shared by all of them.
package extract

import (
	"github.com/quiverhq/quiver/pkg/store"
)

// TextBlock is a single structural unit emitted by an extractor: a heading,
// paragraph, list, table, or page fragment. HeadingContext is the breadcrumb
// of enclosing headings at the block's position.
type TextBlock struct {
	Text           string
	Location       store.Location
	HeadingContext string
}

// IsHeading reports whether the block is a heading in its document structure.
func (b TextBlock) IsHeading() bool {
	switch b.Location.Kind {
	case store.LocationDoc:
		return b.Location.ElementType == "heading"
	case store.LocationPDF:
		return b.Location.HeadingLevel > 0
	default:
		return false
	}
}
