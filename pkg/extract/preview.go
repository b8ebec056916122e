package extract

import "strings"

// DefaultPreviewSize is the approximate character budget for file previews.
const DefaultPreviewSize = 500

// BuildPreview produces a short file summary for the file-level embedding and
// UI display: headings first, then content blocks in order, truncated at the
// budget.
func BuildPreview(blocks []TextBlock, limit int) string {
	if limit <= 0 {
		limit = DefaultPreviewSize
	}

	var parts []string
	total := 0
	add := func(text string) bool {
		if text == "" || total >= limit {
			return total < limit
		}
		parts = append(parts, text)
		total += len(text) + 1
		return total < limit
	}

	for _, b := range blocks {
		if b.IsHeading() && !add(b.Text) {
			break
		}
	}
	for _, b := range blocks {
		if !b.IsHeading() && !add(b.Text) {
			break
		}
	}

	preview := strings.Join(parts, "\n")
	if len(preview) > limit {
		preview = preview[:limit]
	}
	return strings.TrimSpace(preview)
}
