package extract

import (
	"regexp"
	"strings"

	"github.com/quiverhq/quiver/pkg/store"
)

// Default chunking bounds, in characters.
const (
	DefaultTargetChunkSize = 1500
	DefaultMaxChunkSize    = 2000
	DefaultMinChunkSize    = 100
	DefaultChunkOverlap    = 150
)

// Piece is one chunk of text produced by the chunker, before embedding.
type Piece struct {
	Text     string
	Location store.Location
}

// Chunker assembles extractor blocks into retrieval-sized pieces. Headings
// force a flush so chunks do not straddle section boundaries; oversized
// blocks are split on sentence boundaries with an overlap tail.
type Chunker struct {
	target  int
	max     int
	min     int
	overlap int
}

// NewChunker creates a chunker. Zero values take the defaults.
func NewChunker(target, max, min, overlap int) *Chunker {
	if target == 0 {
		target = DefaultTargetChunkSize
	}
	if max == 0 {
		max = DefaultMaxChunkSize
	}
	if min == 0 {
		min = DefaultMinChunkSize
	}
	if overlap == 0 {
		overlap = DefaultChunkOverlap
	}
	return &Chunker{target: target, max: max, min: min, overlap: overlap}
}

var sentenceRe = regexp.MustCompile(`[^.!?]*[.!?]+\s*`)

// Chunk runs the blocks through the accumulation loop. Piece order is chunk
// order; the caller assigns indices 0..N-1.
func (c *Chunker) Chunk(blocks []TextBlock) []Piece {
	var pieces []Piece
	var buffer strings.Builder
	var bufferLoc store.Location
	bufferSet := false

	flush := func() {
		text := strings.TrimSpace(buffer.String())
		if len(text) >= c.min {
			pieces = append(pieces, Piece{Text: text, Location: bufferLoc})
		}
		buffer.Reset()
		bufferSet = false
	}

	for _, block := range blocks {
		if block.Text == "" {
			continue
		}

		if block.IsHeading() || buffer.Len()+len(block.Text)+2 > c.target {
			flush()
		}

		if len(block.Text) > c.max {
			flush()
			pieces = append(pieces, c.split(block)...)
			continue
		}

		if !bufferSet {
			bufferLoc = block.Location
			bufferSet = true
		} else {
			buffer.WriteString("\n\n")
		}
		buffer.WriteString(block.Text)
	}
	flush()

	return pieces
}

// split segments an oversized block on sentence boundaries, emitting pieces
// near the target size. Each emitted piece seeds the next with an overlap
// tail: the last sentence when one exists, else the last overlap characters.
func (c *Chunker) split(block TextBlock) []Piece {
	sentences := hardCut(splitSentences(block.Text), c.target)

	var pieces []Piece
	sub := 0
	emit := func(text string) {
		loc := block.Location
		loc.SubChunk = sub
		pieces = append(pieces, Piece{Text: strings.TrimSpace(text), Location: loc})
		sub++
	}

	current := ""
	for _, sentence := range sentences {
		if current != "" && len(current)+len(sentence) > c.target {
			emit(current)
			current = c.overlapTail(current)
		}
		current += sentence
	}
	if strings.TrimSpace(current) != "" {
		emit(current)
	}
	return pieces
}

func (c *Chunker) overlapTail(text string) string {
	sentences := splitSentences(text)
	if len(sentences) > 1 {
		return sentences[len(sentences)-1]
	}
	if len(text) > c.overlap {
		return text[len(text)-c.overlap:]
	}
	return text
}

// hardCut slices any sentence longer than the target into target-sized
// segments, so boundary-free text still respects the size cap.
func hardCut(sentences []string, target int) []string {
	var out []string
	for _, s := range sentences {
		for len(s) > target {
			out = append(out, s[:target])
			s = s[target:]
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitSentences cuts on terminal punctuation followed by whitespace, keeping
// the punctuation with the sentence. Text without terminal punctuation comes
// back as a single segment.
func splitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	consumed := 0
	for _, m := range matches {
		consumed += len(m)
	}
	if consumed < len(text) {
		if rest := text[consumed:]; strings.TrimSpace(rest) != "" {
			matches = append(matches, rest)
		}
	}
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}
