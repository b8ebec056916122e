package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPreviewHeadingsFirst(t *testing.T) {
	blocks := []TextBlock{
		docBlock("Body paragraph comes later."),
		headingBlock("Main Title"),
		headingBlock("Subsection"),
	}

	preview := BuildPreview(blocks, 0)
	titleIdx := strings.Index(preview, "Main Title")
	bodyIdx := strings.Index(preview, "Body paragraph")
	assert.GreaterOrEqual(t, titleIdx, 0)
	assert.Greater(t, bodyIdx, titleIdx)
	assert.Contains(t, preview, "Subsection")
}

func TestBuildPreviewTruncates(t *testing.T) {
	blocks := []TextBlock{docBlock(strings.Repeat("long content ", 100))}
	preview := BuildPreview(blocks, 0)
	assert.LessOrEqual(t, len(preview), DefaultPreviewSize)
	assert.NotEmpty(t, preview)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindDoc, Classify(MimeGoogleDoc))
	assert.Equal(t, KindPDF, Classify(MimePDF))
	assert.Equal(t, KindSheet, Classify(MimeGoogleSheet))
	assert.Equal(t, KindSheet, Classify(MimeXlsx))
	assert.Equal(t, KindDocx, Classify(MimeDocx))
	assert.Equal(t, KindImage, Classify("image/png"))
	assert.Equal(t, KindUnsupported, Classify("image/bmp"))
	assert.Equal(t, KindUnsupported, Classify("application/zip"))
}
