package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/quiverhq/quiver/pkg/store"
)

// DocExtractor parses exported document HTML into blocks: headings with a
// maintained heading stack, paragraphs, top-level lists, and tables.
type DocExtractor struct{}

// NewDocExtractor creates an HTML document extractor.
func NewDocExtractor() *DocExtractor {
	return &DocExtractor{}
}

type headingFrame struct {
	level int
	text  string
}

type docWalker struct {
	blocks    []TextBlock
	stack     []headingFrame
	paraIndex int
}

// Extract parses the HTML and returns blocks in document order plus the
// document title (the <title> element, else the first h1).
func (e *DocExtractor) Extract(content string) ([]TextBlock, string, error) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse document HTML: %w", err)
	}

	title := findTitle(root)
	w := &docWalker{}
	w.walk(findNode(root, "body"))
	if title == "" {
		title = w.firstHeading()
	}
	return w.blocks, title, nil
}

func (w *docWalker) firstHeading() string {
	for _, b := range w.blocks {
		if b.Location.ElementType == "heading" {
			return b.Text
		}
	}
	return ""
}

// walk descends in document order. Paragraphs, lists, and tables are emitted
// whole; the walk does not descend into them.
func (w *docWalker) walk(n *html.Node) {
	if n == nil {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode {
			w.walk(child)
			continue
		}
		switch child.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.emitHeading(headingLevel(child.Data), nodeText(child))
		case "p":
			w.emitParagraph(nodeText(child))
		case "ul", "ol":
			w.emitList(child)
		case "table":
			w.emitTable(child)
		default:
			w.walk(child)
		}
	}
}

func headingLevel(tag string) int {
	return int(tag[1] - '0')
}

// emitHeading pops frames at an equal or shallower level before pushing the
// new heading, then emits the heading itself as a block.
func (w *docWalker) emitHeading(level int, text string) {
	for len(w.stack) > 0 && w.stack[len(w.stack)-1].level >= level {
		w.stack = w.stack[:len(w.stack)-1]
	}
	w.stack = append(w.stack, headingFrame{level: level, text: text})
	if text == "" {
		return
	}
	w.blocks = append(w.blocks, TextBlock{
		Text: text,
		Location: store.Location{
			Kind:        store.LocationDoc,
			HeadingPath: w.headingPath(),
			ElementType: "heading",
		},
		HeadingContext: strings.Join(w.headingPath(), " > "),
	})
}

func (w *docWalker) emitParagraph(text string) {
	if text == "" {
		return
	}
	w.appendContent(text, "paragraph")
}

func (w *docWalker) emitList(n *html.Node) {
	var lines []string
	for _, item := range findAll(n, "li") {
		if text := nodeText(item); text != "" {
			lines = append(lines, "- "+text)
		}
	}
	if len(lines) == 0 {
		return
	}
	w.appendContent(strings.Join(lines, "\n"), "list")
}

func (w *docWalker) emitTable(n *html.Node) {
	var rows []string
	for _, tr := range findAll(n, "tr") {
		var cells []string
		for child := tr.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == html.ElementNode && (child.Data == "td" || child.Data == "th") {
				cells = append(cells, nodeText(child))
			}
		}
		if len(cells) > 0 {
			rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		}
	}
	if len(rows) == 0 {
		return
	}
	w.appendContent(strings.Join(rows, "\n"), "table")
}

func (w *docWalker) appendContent(text, elementType string) {
	w.blocks = append(w.blocks, TextBlock{
		Text: text,
		Location: store.Location{
			Kind:        store.LocationDoc,
			HeadingPath: w.headingPath(),
			ElementType: elementType,
			ParaIndex:   w.paraIndex,
		},
		HeadingContext: strings.Join(w.headingPath(), " > "),
	})
	w.paraIndex++
}

func (w *docWalker) headingPath() []string {
	path := make([]string, 0, len(w.stack))
	for _, frame := range w.stack {
		if frame.text != "" {
			path = append(path, frame.text)
		}
	}
	return path
}

func findTitle(root *html.Node) string {
	if n := findNode(root, "title"); n != nil {
		return nodeText(n)
	}
	if n := findNode(root, "h1"); n != nil {
		return nodeText(n)
	}
	return ""
}

func findNode(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findNode(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, tag string) []*html.Node {
	var nodes []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == html.ElementNode && child.Data == tag {
				nodes = append(nodes, child)
				continue
			}
			visit(child)
		}
	}
	visit(n)
	return nodes
}

// nodeText collapses all text under a node into a single whitespace-normalized
// string.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
