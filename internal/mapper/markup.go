// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package mapper

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ConvertHTML converts Freshdesk rich-text HTML to Jira wiki markup.
// The transform is a deterministic recursive walk of the parsed tree.
// Unrecognized tags are stripped but their text content is preserved, so
// no content is ever lost. Input without any markup is returned as-is,
// which makes the converter idempotent on already-plain text.
func ConvertHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		// Parse errors are practically unreachable (html.Parse is
		// error-tolerant); fall back to the raw text rather than lose it.
		return s
	}

	var w wikiWriter
	w.walk(doc)
	return tidy(w.b.String())
}

// wikiWriter accumulates Jira wiki markup while walking an HTML tree.
type wikiWriter struct {
	b        strings.Builder
	listPath []byte // nesting stack: '*' for ul, '#' for ol
	pre      int    // inside <pre>, text is verbatim
}

func (w *wikiWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Title:
			return
		case atom.Br:
			w.b.WriteByte('\n')
			return
		case atom.Hr:
			w.block("----")
			return
		case atom.B, atom.Strong:
			w.inline(n, "*", "*")
			return
		case atom.I, atom.Em:
			w.inline(n, "_", "_")
			return
		case atom.U:
			w.inline(n, "+", "+")
			return
		case atom.S, atom.Del, atom.Strike:
			w.inline(n, "-", "-")
			return
		case atom.Code, atom.Tt:
			w.inline(n, "{{", "}}")
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.heading(n)
			return
		case atom.Pre:
			w.preBlock(n)
			return
		case atom.Blockquote:
			w.b.WriteString("\n{quote}\n")
			w.children(n)
			w.b.WriteString("\n{quote}\n")
			return
		case atom.A:
			w.anchor(n)
			return
		case atom.Ul:
			w.list(n, '*')
			return
		case atom.Ol:
			w.list(n, '#')
			return
		case atom.Li:
			w.listItem(n)
			return
		case atom.P, atom.Div:
			w.children(n)
			w.b.WriteString("\n\n")
			return
		}
	}
	// Document, unknown or unhandled element: descend, keep the text.
	w.children(n)
}

func (w *wikiWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *wikiWriter) text(s string) {
	if w.pre > 0 {
		w.b.WriteString(s)
		return
	}
	// Collapse HTML source whitespace runs the way a renderer would.
	collapsed := spaceRun.ReplaceAllString(s, " ")
	if strings.TrimSpace(collapsed) == "" {
		// Whitespace between elements still separates inline flow.
		if out := w.b.String(); out != "" && !strings.HasSuffix(out, " ") && !strings.HasSuffix(out, "\n") {
			w.b.WriteByte(' ')
		}
		return
	}
	w.b.WriteString(collapsed)
}

func (w *wikiWriter) inline(n *html.Node, open, close string) {
	inner := renderChildren(n, w.listPath, w.pre)
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return
	}
	w.b.WriteString(open)
	w.b.WriteString(trimmed)
	w.b.WriteString(close)
}

func (w *wikiWriter) heading(n *html.Node) {
	level := n.Data[1] // "h1".."h6"
	inner := strings.TrimSpace(renderChildren(n, nil, 0))
	w.block("h" + string(level) + ". " + inner)
}

func (w *wikiWriter) preBlock(n *html.Node) {
	w.pre++
	inner := renderChildren(n, nil, w.pre)
	w.pre--
	w.b.WriteString("\n{code}\n")
	w.b.WriteString(strings.Trim(inner, "\n"))
	w.b.WriteString("\n{code}\n")
}

func (w *wikiWriter) anchor(n *html.Node) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = a.Val
			break
		}
	}
	text := strings.TrimSpace(renderChildren(n, nil, 0))
	switch {
	case text == "" && href == "":
	case href == "" || href == text:
		w.b.WriteString(text)
	case text == "":
		w.b.WriteString("[" + href + "]")
	default:
		w.b.WriteString("[" + text + "|" + href + "]")
	}
}

func (w *wikiWriter) list(n *html.Node, marker byte) {
	w.listPath = append(w.listPath, marker)
	w.children(n)
	w.listPath = w.listPath[:len(w.listPath)-1]
	if len(w.listPath) == 0 {
		w.b.WriteByte('\n')
	}
}

func (w *wikiWriter) listItem(n *html.Node) {
	prefix := string(w.listPath)
	if prefix == "" {
		prefix = "*" // stray <li> outside a list
	}
	w.b.WriteByte('\n')
	w.b.WriteString(prefix)
	w.b.WriteByte(' ')
	w.children(n)
}

func (w *wikiWriter) block(s string) {
	w.b.WriteByte('\n')
	w.b.WriteString(s)
	w.b.WriteString("\n\n")
}

// renderChildren renders a node's children into a fresh buffer, keeping
// the surrounding list nesting and pre state.
func renderChildren(n *html.Node, listPath []byte, pre int) string {
	sub := wikiWriter{listPath: listPath, pre: pre}
	sub.children(n)
	return sub.b.String()
}

var (
	spaceRun    = regexp.MustCompile(`[ \t\r\n]+`)
	newlineRun  = regexp.MustCompile(`\n{3,}`)
	lineTrailer = regexp.MustCompile(` +\n`)
)

func tidy(s string) string {
	s = lineTrailer.ReplaceAllString(s, "\n")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// StripMarkup reduces either HTML or converted wiki markup to bare text.
// Reporting uses it to verify that conversion lost no content.
func StripMarkup(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := html.Parse(strings.NewReader(s)); err == nil {
			var b strings.Builder
			var collect func(*html.Node)
			collect = func(n *html.Node) {
				if n.Type == html.TextNode {
					b.WriteString(n.Data)
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					collect(c)
				}
			}
			collect(doc)
			s = b.String()
		}
	}
	s = strings.NewReplacer(
		"{code}", " ", "{quote}", " ", "{{", " ", "}}", " ",
		"h1. ", " ", "h2. ", " ", "h3. ", " ", "h4. ", " ", "h5. ", " ", "h6. ", " ",
	).Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '*', '_', '+', '#', '|', '[', ']', '-':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
