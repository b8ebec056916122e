package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/store"
)

const sampleDoc = `<html>
<head><title>Quarterly Report</title></head>
<body>
  <h1>Overview</h1>
  <p>Revenue grew strongly.</p>
  <h2>Details</h2>
  <p>Q4 was the best quarter.</p>
  <ul><li>Item one</li><li>Item two</li></ul>
  <table><tr><th>Region</th><th>Growth</th></tr><tr><td>EMEA</td><td>15%</td></tr></table>
  <h2>Outlook</h2>
  <p>Momentum continues.</p>
  <h1>Appendix</h1>
  <p>Raw data follows.</p>
</body>
</html>`

func TestDocExtractorTitle(t *testing.T) {
	_, title, err := NewDocExtractor().Extract(sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Report", title)
}

func TestDocExtractorTitleFallsBackToH1(t *testing.T) {
	_, title, err := NewDocExtractor().Extract(`<html><body><h1>Only Heading</h1><p>text</p></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Only Heading", title)
}

func TestDocExtractorHeadingStack(t *testing.T) {
	blocks, _, err := NewDocExtractor().Extract(sampleDoc)
	require.NoError(t, err)

	byText := make(map[string]TextBlock)
	for _, b := range blocks {
		byText[b.Text] = b
	}

	// Paragraph under Overview > Details.
	para := byText["Q4 was the best quarter."]
	assert.Equal(t, []string{"Overview", "Details"}, para.Location.HeadingPath)
	assert.Equal(t, "Overview > Details", para.HeadingContext)

	// Sibling h2 pops the previous h2.
	outlook := byText["Momentum continues."]
	assert.Equal(t, []string{"Overview", "Outlook"}, outlook.Location.HeadingPath)

	// New h1 pops everything.
	appendix := byText["Raw data follows."]
	assert.Equal(t, []string{"Appendix"}, appendix.Location.HeadingPath)
}

func TestDocExtractorListAndTable(t *testing.T) {
	blocks, _, err := NewDocExtractor().Extract(sampleDoc)
	require.NoError(t, err)

	var list, table *TextBlock
	for i := range blocks {
		switch blocks[i].Location.ElementType {
		case "list":
			list = &blocks[i]
		case "table":
			table = &blocks[i]
		}
	}
	require.NotNil(t, list)
	assert.Equal(t, "- Item one\n- Item two", list.Text)

	require.NotNil(t, table)
	assert.Contains(t, table.Text, "| Region | Growth |")
	assert.Contains(t, table.Text, "| EMEA | 15% |")
}

func TestDocExtractorSkipsEmpty(t *testing.T) {
	blocks, _, err := NewDocExtractor().Extract(`<html><body><p>  </p><p></p><p>real</p></body></html>`)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "real", blocks[0].Text)
	assert.Equal(t, store.LocationDoc, blocks[0].Location.Kind)
}

func TestDocExtractorParaIndexIncrements(t *testing.T) {
	blocks, _, err := NewDocExtractor().Extract(`<html><body><p>one</p><p>two</p><p>three</p></body></html>`)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, i, b.Location.ParaIndex)
	}
}
