package browser

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// snapshotAttrs are the attributes a DOM snapshot keeps; they are the same
// ones the selector generator reads
var snapshotAttrs = map[string]bool{
	"id":              true,
	"class":           true,
	"role":            true,
	"type":            true,
	"name":            true,
	"placeholder":     true,
	"title":           true,
	"alt":             true,
	"href":            true,
	"action":          true,
	"method":          true,
	"value":           true,
	"for":             true,
	"aria-label":      true,
	"aria-labelledby": true,
	"checked":         true,
	"selected":        true,
	"disabled":        true,
	"required":        true,
}

// SimplifyHTML strips a page down to structure, text and locator-relevant
// attributes so a snapshot stays small and diffable
func SimplifyHTML(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	simplifyNode(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("failed to render HTML: %w", err)
	}
	return buf.String(), nil
}

func simplifyNode(n *html.Node) {
	var toRemove []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if dropNode(c) {
			toRemove = append(toRemove, c)
			continue
		}
		simplifyNode(c)
		if c.Type == html.TextNode {
			c.Data = strings.Join(strings.Fields(c.Data), " ")
			if c.Data == "" {
				toRemove = append(toRemove, c)
			}
		}
	}
	for _, c := range toRemove {
		n.RemoveChild(c)
	}

	if n.Type == html.ElementNode {
		keepAttrs(n)
	}
}

func dropNode(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
	default:
		return false
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Meta, atom.Link, atom.Noscript, atom.Template:
		return true
	case atom.Svg:
		// icons carry no locator value; keep a placeholder so layout reads the same
		n.Data = "svg"
		n.Attr = filterAttrs(n.Attr, map[string]bool{"aria-label": true, "role": true})
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		return false
	}

	for _, a := range n.Attr {
		if a.Key == "hidden" {
			return true
		}
		if a.Key == "style" {
			style := strings.ReplaceAll(a.Val, " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
		if a.Key == "aria-hidden" && a.Val == "true" {
			return true
		}
	}
	return false
}

func keepAttrs(n *html.Node) {
	var kept []html.Attribute
	for _, a := range n.Attr {
		switch {
		case strings.HasPrefix(a.Key, "data-test") || a.Key == "data-cy":
			kept = append(kept, a)
		case snapshotAttrs[a.Key]:
			if a.Key == "class" {
				if classes := strings.Fields(a.Val); len(classes) > 3 {
					a.Val = strings.Join(classes[:3], " ")
				}
			}
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func filterAttrs(attrs []html.Attribute, keep map[string]bool) []html.Attribute {
	var out []html.Attribute
	for _, a := range attrs {
		if keep[a.Key] {
			out = append(out, a)
		}
	}
	return out
}
