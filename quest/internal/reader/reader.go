// Package reader extracts readable content from raw page HTML.
//
// It is the fallback path when the remote agent cannot produce a structured
// extraction itself: the pipeline captures the page DOM over CDP and reads
// it here. Pipeline: raw HTML → parse → semantic landmarks or density
// scoring → boilerplate filtering → markdown paragraphs.
package reader

import (
	"bytes"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MinParagraphLen is the minimum byte length for an accepted paragraph.
// Shorter blocks are almost always captions, buttons or nav residue.
const MinParagraphLen = 80

// Extract returns up to limit paragraphs of main content from raw HTML,
// each converted to markdown. Returns an empty slice (not an error) when
// the page has no extractable content.
func Extract(rawHTML []byte, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	root := contentRoot(doc)
	if root == nil {
		return nil, nil
	}

	var out []string
	for _, block := range contentBlocks(root) {
		if len(out) >= limit {
			break
		}
		md, err := htmltomarkdown.ConvertString(renderNode(block))
		if err != nil {
			continue
		}
		md = strings.TrimSpace(md)
		if len(md) < MinParagraphLen {
			continue
		}
		out = append(out, md)
	}
	return out, nil
}

// Title returns the page <title> text, or "".
func Title(rawHTML []byte) string {
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	var title string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			if n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return title
}

// contentRoot picks the subtree to read: semantic landmarks when present,
// otherwise the densest non-navigational region of the body.
func contentRoot(doc *html.Node) *html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		if n := findFirstByTag(doc, tag); n != nil && !isBoilerplate(n) {
			return n
		}
	}
	body := findFirstByTag(doc, atom.Body)
	if body == nil {
		return doc
	}
	if best := findDensestNode(body); best != nil {
		return best
	}
	return body
}

// contentBlocks returns the paragraph-level blocks under root in document
// order, skipping boilerplate regions and link-dominated blocks.
func contentBlocks(root *html.Node) []*html.Node {
	var blocks []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isBoilerplate(n) {
				return
			}
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if isBlockTag(n.DataAtom) {
				text := collectText(n)
				if len(text) >= MinParagraphLen && linkDensity(n, text) <= 0.5 {
					blocks = append(blocks, n)
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return blocks
}

// nodeScore holds density analysis for a DOM subtree.
type nodeScore struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64
}

// findDensestNode walks the DOM and finds the container with the highest
// text-to-markup ratio, penalising link-heavy regions.
func findDensestNode(root *html.Node) *html.Node {
	var candidates []nodeScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContainerTag(n.DataAtom) || n.DataAtom == atom.Body {
			text := collectText(n)
			if len(text) >= MinParagraphLen {
				markup := len(renderNode(n))
				if markup == 0 {
					markup = 1
				}
				candidates = append(candidates, nodeScore{
					node:     n,
					textLen:  len(text),
					density:  float64(len(text)) / float64(markup),
					linkDens: linkDensity(n, text),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var best *nodeScore
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.linkDens > 0.5 {
			continue // mostly links - probably navigation
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

// linkDensity is the fraction of text inside <a> tags.
func linkDensity(n *html.Node, text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var sb strings.Builder
	var f func(*html.Node, bool)
	f = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c, inLink)
		}
	}
	f(n, false)
	return float64(sb.Len()) / float64(len(text))
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

func findFirstByTag(root *html.Node, tag atom.Atom) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == tag {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

// isBlockTag returns true for paragraph-level content units.
func isBlockTag(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Blockquote, atom.Pre, atom.Ul, atom.Ol,
		atom.Table, atom.Dl, atom.Figure:
		return true
	}
	return false
}

// isContainerTag returns true for tags likely to hold the main content.
func isContainerTag(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div:
		return true
	}
	return false
}

// isBoilerplate checks if a node is likely boilerplate (nav, footer, etc).
func isBoilerplate(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside:
		return true
	}
	for _, attr := range n.Attr {
		if attr.Key == "class" || attr.Key == "id" {
			lower := strings.ToLower(attr.Val)
			for _, pattern := range boilerplatePatterns {
				if strings.Contains(lower, pattern) {
					return true
				}
			}
		}
		if attr.Key == "role" {
			switch attr.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

var boilerplatePatterns = []string{
	"sidebar", "footer", "header", "nav", "menu", "breadcrumb",
	"cookie", "banner", "advert", "social", "share", "comment",
	"related", "widget", "popup", "modal",
}
