package agent

import (
	"fmt"
	"strings"

	"github.com/quiverhq/quiver/pkg/store"
)

const agentSystemTemplate = `You are a research assistant answering questions about the documents in the folder %q (%d files, %d indexed).

You have tools to search the folder, read a file's indexed text, and re-fetch a file from the source drive. Use them to ground every claim; do not answer from memory. You may use at most %d tool rounds, so search with focused queries and stop once you have enough evidence.

When you answer, cite your sources inline using the numeric refs returned by search_folder, like [1] or [2][3]. Only cite refs you actually received. If the folder does not contain the answer, say so plainly.`

func agentSystemPrompt(folder *store.Folder, maxIterations int) string {
	return fmt.Sprintf(agentSystemTemplate, folder.Name, folder.FilesTotal, folder.FilesIndexed, maxIterations)
}

const synthesisTemplate = `Based on the passages below, answer the user's question. Cite passages inline by their number, like [1] or [2][3]. If the passages are insufficient, say what is missing.

Passages:
%s`

// synthesisPrompt renders the accumulated evidence for the final tool-less
// call when the loop runs out of iterations.
func synthesisPrompt(sources []store.SearchHit) string {
	var b strings.Builder
	for i, hit := range sources {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, hit.FileName, excerpt(hit.Text, citationExcerptSize))
	}
	return fmt.Sprintf(synthesisTemplate, b.String())
}

const fallbackAnswer = "I'm sorry — I wasn't able to put together an answer from this folder. Please try rephrasing your question."

const standardSystemTemplate = `You are a research assistant answering questions about the documents in the folder %q.

Answer using only the numbered context passages below. Cite passages inline by their number, like [1] or [2][3]. If the context does not contain the answer, say so plainly.

Context:
%s`

// standardSystemPrompt renders the single-shot RAG prompt with the retrieved
// context inlined.
func standardSystemPrompt(folder *store.Folder, sources []store.SearchHit) string {
	var b strings.Builder
	for i, hit := range sources {
		loc := hit.Location.String()
		if loc != "" {
			loc = ", " + loc
		}
		fmt.Fprintf(&b, "[%d] %s%s:\n%s\n\n", i+1, hit.FileName, loc, hit.Text)
	}
	return fmt.Sprintf(standardSystemTemplate, folder.Name, strings.TrimRight(b.String(), "\n"))
}
