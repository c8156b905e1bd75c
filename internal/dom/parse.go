package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/wisp/api/schemas"
)

// ResourceRef is a subresource reference discovered during parsing. The
// pipeline turns each one into a FetchTask.
type ResourceRef struct {
	Node NodeID
	URL  string
	Kind schemas.ResourceKind
}

// ParseResult carries everything discovered while building the tree.
type ParseResult struct {
	// InlineStyles holds the contents of <style> elements in document order.
	InlineStyles []string
	// Stylesheets are <link rel="stylesheet"> references.
	Stylesheets []ResourceRef
	// Images are <img src> references.
	Images []ResourceRef
}

// Parse consumes an HTML byte stream and builds the document tree in the
// arena. Script elements are dropped (no JS execution) and whitespace-only
// text is skipped. A malformed stream yields ErrParseError.
func Parse(r io.Reader) (*Document, *ParseResult, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, nil, fmt.Errorf("html: %w: %v", schemas.ErrParseError, err)
	}

	doc := NewDocument()
	res := &ParseResult{}
	convertChildren(doc, doc.Root(), root, res)
	// Building the initial tree enqueues one dirty region per insertion;
	// the initial layout pass starts from the root anyway.
	doc.TakeDirty()
	return doc, res, nil
}

// ParseFragment parses a subresource HTML fragment beneath parent. On parse
// failure the partial subtree is discarded and ErrParseError returned; the
// rest of the page proceeds.
func ParseFragment(doc *Document, parent NodeID, r io.Reader) (*ParseResult, error) {
	if _, err := doc.Snapshot(parent); err != nil {
		return nil, err
	}
	nodes, err := html.ParseFragment(r, &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
	if err != nil {
		return nil, fmt.Errorf("html fragment: %w: %v", schemas.ErrParseError, err)
	}
	res := &ParseResult{}
	for _, n := range nodes {
		convertNode(doc, parent, n, res)
	}
	return res, nil
}

func convertChildren(doc *Document, parent NodeID, n *html.Node, res *ParseResult) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		convertNode(doc, parent, c, res)
	}
}

func convertNode(doc *Document, parent NodeID, n *html.Node, res *ParseResult) {
	switch n.Type {
	case html.DocumentNode, html.DoctypeNode:
		convertChildren(doc, parent, n, res)

	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		switch tag {
		case "script":
			return
		case "html":
			// The arena root already represents the html element.
			convertChildren(doc, parent, n, res)
			return
		case "style":
			res.InlineStyles = append(res.InlineStyles, textContent(n))
			return
		case "link":
			if strings.EqualFold(attrValue(n, "rel"), "stylesheet") {
				if href := attrValue(n, "href"); href != "" {
					id := appendElement(doc, parent, n)
					res.Stylesheets = append(res.Stylesheets, ResourceRef{
						Node: id, URL: href, Kind: schemas.ResourceStylesheet,
					})
				}
			}
			return
		}

		id := appendElement(doc, parent, n)
		if tag == "img" {
			if src := attrValue(n, "src"); src != "" {
				res.Images = append(res.Images, ResourceRef{
					Node: id, URL: src, Kind: schemas.ResourceImage,
				})
			}
		}
		convertChildren(doc, id, n, res)

	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return
		}
		id := doc.CreateText(n.Data)
		// Appending to a freshly built tree cannot fail.
		_ = doc.ApplyMutation(parent, Mutation{Kind: MutationAppendChild, Child: id})

	case html.CommentNode:
		id := doc.CreateComment(n.Data)
		_ = doc.ApplyMutation(parent, Mutation{Kind: MutationAppendChild, Child: id})
	}
}

func appendElement(doc *Document, parent NodeID, n *html.Node) NodeID {
	attrs := make([]Attribute, 0, len(n.Attr))
	for _, a := range n.Attr {
		attrs = append(attrs, Attribute{Key: strings.ToLower(a.Key), Val: a.Val})
	}
	id := doc.CreateElement(strings.ToLower(n.Data), attrs...)
	_ = doc.ApplyMutation(parent, Mutation{Kind: MutationAppendChild, Child: id})
	return id
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
