package scraper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// ExtractionError reports why no value could be read from a page. Step names
// the stage that failed: "parse", "anchor", a navigation step name, or
// "text".
type ExtractionError struct {
	Step   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed at %s: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed at %s: %s", e.Step, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Step is one named move through the document tree. Move returns nil when the
// move is not possible from n.
type Step struct {
	Name string
	Move func(n *html.Node) *html.Node
}

// Parent moves to the enclosing element.
var Parent = Step{
	Name: "parent",
	Move: func(n *html.Node) *html.Node {
		p := n.Parent
		if p == nil || p.Type != html.ElementNode {
			return nil
		}
		return p
	},
}

// NextSibling moves to the following node at the same level, which may be a
// whitespace text node.
var NextSibling = Step{
	Name: "next-sibling",
	Move: func(n *html.Node) *html.Node {
		return n.NextSibling
	},
}

// DefaultPath goes two levels up from the anchor text and then two siblings
// forward. On typical markup the first sibling is the whitespace between
// elements, so this lands on the element after the anchor's grandparent.
func DefaultPath() []Step {
	return []Step{Parent, Parent, NextSibling, NextSibling}
}

// Extractor reads a single text value from a page relative to an anchor.
type Extractor struct {
	anchor string
	path   []Step
}

// NewExtractor creates an extractor from the given configuration. A nil path
// uses DefaultPath.
func NewExtractor(cfg ExtractConfig) *Extractor {
	path := cfg.Path
	if path == nil {
		path = DefaultPath()
	}
	anchor := cfg.Anchor
	if anchor == "" {
		anchor = DefaultAnchor
	}
	return &Extractor{anchor: anchor, path: path}
}

// Anchor returns the text the extractor searches for.
func (e *Extractor) Anchor() string {
	return e.anchor
}

// Extract parses body as HTML and returns the watched value.
func (e *Extractor) Extract(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", &ExtractionError{Step: "parse", Reason: "failed to parse HTML", Err: err}
	}
	return e.ExtractDocument(doc)
}

// ExtractDocument returns the watched value from an already parsed document.
func (e *Extractor) ExtractDocument(doc *goquery.Document) (string, error) {
	if doc == nil || len(doc.Nodes) == 0 {
		return "", &ExtractionError{Step: "parse", Reason: "empty document"}
	}

	node := findText(doc.Nodes[0], e.anchor)
	if node == nil {
		return "", &ExtractionError{Step: "anchor", Reason: fmt.Sprintf("text %q not found", e.anchor)}
	}

	for i, step := range e.path {
		next := step.Move(node)
		if next == nil {
			return "", &ExtractionError{
				Step:   step.Name,
				Reason: fmt.Sprintf("step %d of %d has no target", i+1, len(e.path)),
			}
		}
		node = next
	}

	value := goquery.NewDocumentFromNode(node).Text()
	value = norm.NFC.String(strings.TrimSpace(value))
	if value == "" {
		return "", &ExtractionError{Step: "text", Reason: "target node has no text"}
	}

	return value, nil
}

// findText returns the first text node, in document order, whose content is
// exactly text.
func findText(n *html.Node, text string) *html.Node {
	if n.Type == html.TextNode && n.Data == text {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findText(c, text); found != nil {
			return found
		}
	}
	return nil
}
