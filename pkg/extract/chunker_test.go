package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/store"
)

func docBlock(text string) TextBlock {
	return TextBlock{
		Text:     text,
		Location: store.Location{Kind: store.LocationDoc, ElementType: "paragraph"},
	}
}

func headingBlock(text string) TextBlock {
	return TextBlock{
		Text:     text,
		Location: store.Location{Kind: store.LocationDoc, ElementType: "heading", HeadingPath: []string{text}},
	}
}

func TestChunkerMergesSmallBlocks(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	blocks := []TextBlock{
		docBlock(strings.Repeat("a", 200)),
		docBlock(strings.Repeat("b", 200)),
	}

	pieces := c.Chunk(blocks)
	require.Len(t, pieces, 1)
	assert.Contains(t, pieces[0].Text, strings.Repeat("a", 200))
	assert.Contains(t, pieces[0].Text, strings.Repeat("b", 200))
	assert.Contains(t, pieces[0].Text, "\n\n")
}

func TestChunkerFlushesOnHeading(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	blocks := []TextBlock{
		docBlock(strings.Repeat("a", 300)),
		headingBlock("Section Two"),
		docBlock(strings.Repeat("b", 300)),
	}

	pieces := c.Chunk(blocks)
	require.Len(t, pieces, 2)
	assert.Equal(t, strings.Repeat("a", 300), pieces[0].Text)
	assert.True(t, strings.HasPrefix(pieces[1].Text, "Section Two"))
	assert.Contains(t, pieces[1].Text, strings.Repeat("b", 300))
}

func TestChunkerDropsUndersizedBuffer(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	pieces := c.Chunk([]TextBlock{docBlock("too short")})
	assert.Empty(t, pieces)
}

func TestChunkerFlushesAtTarget(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	blocks := []TextBlock{
		docBlock(strings.Repeat("a", 900)),
		docBlock(strings.Repeat("b", 900)),
	}

	pieces := c.Chunk(blocks)
	require.Len(t, pieces, 2)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), DefaultMaxChunkSize)
	}
}

func TestChunkerSplitsOversizedBlock(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	sentence := "This is a sentence that keeps the splitter busy for a while. "
	long := strings.Repeat(sentence, 80) // ~4900 chars

	pieces := c.Chunk([]TextBlock{docBlock(long)})
	require.Greater(t, len(pieces), 2)

	for i, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), DefaultMaxChunkSize, "piece %d too long", i)
		assert.Equal(t, i, p.Location.SubChunk)
	}

	// Overlap: each piece after the first starts with the previous piece's tail.
	for i := 1; i < len(pieces); i++ {
		firstSentence := "This is a sentence that keeps the splitter busy for a while."
		assert.True(t, strings.HasPrefix(pieces[i].Text, firstSentence),
			"piece %d should start with an overlap sentence", i)
	}
}

func TestChunkerSplitsWithoutSentenceBoundaries(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	long := strings.Repeat("x", 5000)

	pieces := c.Chunk([]TextBlock{docBlock(long)})
	require.NotEmpty(t, pieces)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p.Text), DefaultMaxChunkSize)
	}
}

func TestChunkerKeepsFirstLocation(t *testing.T) {
	c := NewChunker(0, 0, 0, 0)
	first := TextBlock{
		Text:     strings.Repeat("a", 150),
		Location: store.Location{Kind: store.LocationPDF, Page: 3, BlockIndex: 7},
	}
	second := TextBlock{
		Text:     strings.Repeat("b", 150),
		Location: store.Location{Kind: store.LocationPDF, Page: 4, BlockIndex: 8},
	}

	pieces := c.Chunk([]TextBlock{first, second})
	require.Len(t, pieces, 1)
	assert.Equal(t, 3, pieces[0].Location.Page)
	assert.Equal(t, 7, pieces[0].Location.BlockIndex)
}

func TestSplitSentences(t *testing.T) {
	sentences := splitSentences("First one. Second one! Third one? Trailing fragment")
	require.Len(t, sentences, 4)
	assert.Equal(t, "First one. ", sentences[0])
	assert.Equal(t, "Trailing fragment", sentences[3])
}
