package agent

import (
	"regexp"
	"strconv"

	"github.com/quiverhq/quiver/pkg/store"
)

// citationExcerptSize caps the stored excerpt per citation.
const citationExcerptSize = 200

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// ExtractCitations maps numeric references in answer text onto the chunks the
// loop observed, keyed by the stringified number. References outside
// [1, len(sources)] are ignored.
func ExtractCitations(text string, sources []store.SearchHit) map[string]store.Citation {
	citations := make(map[string]store.Citation)
	for _, match := range citationRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(sources) {
			continue
		}
		key := match[1]
		if _, ok := citations[key]; ok {
			continue
		}
		hit := sources[n-1]
		citations[key] = store.Citation{
			ChunkID:   hit.ChunkID,
			FileName:  hit.FileName,
			Location:  hit.Location.String(),
			Excerpt:   excerpt(hit.Text, citationExcerptSize),
			SourceURL: driveFileURL(hit.RemoteFileID),
		}
	}
	return citations
}

func driveFileURL(remoteFileID string) string {
	if remoteFileID == "" {
		return ""
	}
	return "https://drive.google.com/file/d/" + remoteFileID + "/view"
}

func excerpt(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
