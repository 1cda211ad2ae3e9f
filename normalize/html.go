package normalize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Title:    true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
}

var blockElements = map[atom.Atom]bool{
	atom.Address:    true,
	atom.Article:    true,
	atom.Aside:      true,
	atom.Blockquote: true,
	atom.Center:     true,
	atom.Div:        true,
	atom.Dl:         true,
	atom.Dt:         true,
	atom.Dd:         true,
	atom.Footer:     true,
	atom.Form:       true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Header:     true,
	atom.Hr:         true,
	atom.Li:         true,
	atom.Main:       true,
	atom.Nav:        true,
	atom.Ol:         true,
	atom.P:          true,
	atom.Pre:        true,
	atom.Section:    true,
	atom.Table:      true,
	atom.Tr:         true,
	atom.Ul:         true,
}

// HTMLToText renders an HTML document as plain text. Lines are wrapped at
// width runes (0 disables wrapping), newlines in text nodes are kept and
// links become Slack hyperlinks unless they credit an author.
func HTMLToText(src string, width int) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		// html.Parse only fails on reader errors.
		return src
	}
	r := &textRenderer{width: width}
	r.walk(doc)
	return r.out.String()
}

type textRenderer struct {
	width        int
	out          strings.Builder
	col          int
	pendingSpace bool
}

func (r *textRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.text(n.Data)
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] {
			return
		}
		switch n.DataAtom {
		case atom.Br:
			r.newline()
			return
		case atom.A:
			r.anchor(n)
			return
		case atom.Img:
			r.image(n)
			return
		case atom.Td, atom.Th:
			r.pendingSpace = true
		}
	case html.CommentNode, html.DoctypeNode:
		return
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		r.breakLine()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
	if block {
		r.breakLine()
	}
}

func (r *textRenderer) text(data string) {
	for i, segment := range strings.Split(data, "\n") {
		if i > 0 {
			r.newline()
		}
		if segment == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(segment)
		if unicode.IsSpace(first) {
			r.pendingSpace = true
		}
		for i, word := range strings.Fields(segment) {
			if i > 0 {
				r.pendingSpace = true
			}
			r.word(word)
		}
		last, _ := utf8.DecodeLastRuneInString(segment)
		if unicode.IsSpace(last) {
			r.pendingSpace = true
		}
	}
}

func (r *textRenderer) anchor(n *html.Node) {
	text := collapse(textContent(n))
	href := strings.TrimSpace(attr(n, "href"))

	if href == "" || IsBylineAnchor(leadText(n), text) {
		r.text(text)
		return
	}
	if text == "" {
		text = "Link"
	}
	r.word(fmt.Sprintf("<%s|%s>", href, text))
}

func (r *textRenderer) image(n *html.Node) {
	src := strings.TrimSpace(attr(n, "src"))
	alt := collapse(attr(n, "alt"))
	switch {
	case src == "" && alt == "":
		return
	case src == "":
		r.text(alt)
	case alt == "":
		r.word("[" + src + "]")
	default:
		r.text(alt)
		r.pendingSpace = true
		r.word("[" + src + "]")
	}
}

// word writes one unbreakable token, wrapping before it when needed.
func (r *textRenderer) word(w string) {
	n := utf8.RuneCountInString(w)
	if r.col > 0 && r.pendingSpace {
		if r.width > 0 && r.col+1+n > r.width {
			r.newline()
		} else {
			r.out.WriteByte(' ')
			r.col++
		}
	}
	r.out.WriteString(w)
	r.col += n
	r.pendingSpace = false
}

func (r *textRenderer) newline() {
	r.out.WriteByte('\n')
	r.col = 0
	r.pendingSpace = false
}

func (r *textRenderer) breakLine() {
	if r.col > 0 {
		r.newline()
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// leadText is the text of the siblings that precede n inside its parent.
func leadText(n *html.Node) string {
	if n.Parent == nil {
		return ""
	}
	var b strings.Builder
	for c := n.Parent.FirstChild; c != nil && c != n; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
