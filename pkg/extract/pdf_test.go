package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/ocr"
)

func TestParseOCRPages(t *testing.T) {
	pages := []ocr.Page{
		{Index: 0, Markdown: "# Introduction\n\nFirst paragraph line one.\nLine two.\n\nSecond paragraph."},
		{Index: 1, Markdown: "## Methods\n\nMethod details."},
	}

	blocks := ParseOCRPages(pages)
	require.Len(t, blocks, 5)

	intro := blocks[0]
	assert.Equal(t, "Introduction", intro.Text)
	assert.Equal(t, 1, intro.Location.Page)
	assert.Equal(t, 1, intro.Location.HeadingLevel)
	assert.True(t, intro.IsHeading())

	first := blocks[1]
	assert.Equal(t, "First paragraph line one.\nLine two.", first.Text)
	assert.Equal(t, "Introduction", first.HeadingContext)
	assert.False(t, first.IsHeading())

	second := blocks[2]
	assert.Equal(t, "Second paragraph.", second.Text)

	methods := blocks[3]
	assert.Equal(t, "Methods", methods.Text)
	assert.Equal(t, 2, methods.Location.Page)
	assert.Equal(t, 2, methods.Location.HeadingLevel)

	details := blocks[4]
	assert.Equal(t, "Methods", details.HeadingContext)
	assert.Equal(t, 2, details.Location.Page)
}

func TestParseOCRPagesBlockIndicesRunAcrossPages(t *testing.T) {
	pages := []ocr.Page{
		{Markdown: "Page one text."},
		{Markdown: "Page two text."},
	}

	blocks := ParseOCRPages(pages)
	require.Len(t, blocks, 2)
	assert.Equal(t, 0, blocks[0].Location.BlockIndex)
	assert.Equal(t, 1, blocks[1].Location.BlockIndex)
	assert.Equal(t, 1, blocks[0].Location.Page)
	assert.Equal(t, 2, blocks[1].Location.Page)
}

func TestParseOCRPagesFlushesAtPageEnd(t *testing.T) {
	blocks := ParseOCRPages([]ocr.Page{{Markdown: "Trailing text without blank line"}})
	require.Len(t, blocks, 1)
	assert.Equal(t, "Trailing text without blank line", blocks[0].Text)
}

func TestParseOCRPagesSkipsBareMarkers(t *testing.T) {
	blocks := ParseOCRPages([]ocr.Page{{Markdown: "#\n\nContent."}})
	require.Len(t, blocks, 1)
	assert.Equal(t, "Content.", blocks[0].Text)
}
