// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package htmlfmt converts the HTML subset used by Matrix formatted bodies
// to and from the rich text tree.
package htmlfmt

import (
	"html"
	"strconv"
	"strings"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// Parse converts an HTML fragment to a rich text tree. Unknown tags keep
// their children; input the tokenizer rejects is returned as plain text.
func Parse(fragment string) richtext.Node {
	if fragment == "" {
		return richtext.Plain("")
	}
	body := &nethtml.Node{Type: nethtml.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := nethtml.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return richtext.Plain(fragment)
	}
	// ParseFragment returns the top-level nodes detached. Block separators
	// depend on siblings, so link them under body again.
	for _, n := range nodes {
		body.AppendChild(n)
	}
	out := make([]richtext.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, convert(n))
	}
	return richtext.Seq(out...)
}

func convert(n *nethtml.Node) richtext.Node {
	switch n.Type {
	case nethtml.TextNode:
		return richtext.Plain(n.Data)
	case nethtml.ElementNode:
	default:
		return nil
	}

	switch n.DataAtom {
	case atom.B, atom.Strong:
		return richtext.Bold{Inner: children(n)}
	case atom.I, atom.Em:
		return richtext.Italic{Inner: children(n)}
	case atom.U, atom.Ins:
		// Underline has no counterpart in the tree.
		return richtext.Bold{Inner: richtext.Italic{Inner: children(n)}}
	case atom.S, atom.Del, atom.Strike:
		return richtext.Strikethrough{Inner: children(n)}
	case atom.Blockquote:
		return richtext.Blockquote{Inner: children(n)}
	case atom.Code:
		return richtext.FixedWidth(textContent(n))
	case atom.Pre:
		return convertPre(n)
	case atom.A:
		href := attr(n, "href")
		if !richtext.SafeURL(href) {
			return children(n)
		}
		return richtext.Hyperlink{Text: textContent(n), URL: href}
	case atom.Br:
		return richtext.Plain("\n")
	case atom.P, atom.Div:
		return withBreak(n, children(n), "\n\n")
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return withBreak(n, richtext.Bold{Inner: children(n)}, "\n")
	case atom.Li:
		return withBreak(n, richtext.Seq(richtext.Plain(listMarker(n)), children(n)), "\n")
	}

	switch n.Data {
	case "mx-reply":
		// Rich reply fallback; the relay carries reply targets itself.
		return nil
	default:
		// Spoilers (span data-mx-spoiler, tg-spoiler) and unknown tags keep
		// their content.
		return children(n)
	}
}

func children(n *nethtml.Node) richtext.Node {
	var out []richtext.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, convert(c))
	}
	return richtext.Seq(out...)
}

func convertPre(n *nethtml.Node) richtext.Node {
	lang := ""
	if c := n.FirstChild; c != nil && c.DataAtom == atom.Code {
		for _, class := range strings.Fields(attr(c, "class")) {
			if l, ok := strings.CutPrefix(class, "language-"); ok {
				lang = l
				break
			}
		}
	}
	body := strings.TrimSuffix(textContent(n), "\n")
	return richtext.Code{Language: lang, Body: body}
}

func withBreak(n *nethtml.Node, inner richtext.Node, sep string) richtext.Node {
	if nextElementOrText(n) != nil {
		return richtext.Seq(inner, richtext.Plain(sep))
	}
	return inner
}

func nextElementOrText(n *nethtml.Node) *nethtml.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == nethtml.ElementNode || (s.Type == nethtml.TextNode && strings.TrimSpace(s.Data) != "") {
			return s
		}
	}
	return nil
}

func listMarker(li *nethtml.Node) string {
	if li.Parent == nil || li.Parent.DataAtom != atom.Ol {
		return "- "
	}
	idx := 1
	for s := li.PrevSibling; s != nil; s = s.PrevSibling {
		if s.DataAtom == atom.Li {
			idx++
		}
	}
	return strconv.Itoa(idx) + ". "
}

func textContent(n *nethtml.Node) string {
	var sb strings.Builder
	var walk func(*nethtml.Node)
	walk = func(n *nethtml.Node) {
		switch {
		case n.Type == nethtml.TextNode:
			sb.WriteString(n.Data)
		case n.DataAtom == atom.Br:
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *nethtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Render converts a rich text tree to a Matrix HTML formatted body.
func Render(n richtext.Node) string {
	var sb strings.Builder
	render(&sb, n)
	return sb.String()
}

func render(sb *strings.Builder, n richtext.Node) {
	switch v := n.(type) {
	case richtext.Sequence:
		for _, c := range v {
			render(sb, c)
		}
	case richtext.Bold:
		tag(sb, "strong", v.Inner)
	case richtext.Italic:
		tag(sb, "em", v.Inner)
	case richtext.Strikethrough:
		tag(sb, "del", v.Inner)
	case richtext.Blockquote:
		tag(sb, "blockquote", v.Inner)
	case richtext.FixedWidth:
		sb.WriteString("<code>")
		sb.WriteString(html.EscapeString(string(v)))
		sb.WriteString("</code>")
	case richtext.Code:
		if v.Language != "" {
			sb.WriteString(`<pre><code class="language-` + html.EscapeString(v.Language) + `">`)
		} else {
			sb.WriteString("<pre><code>")
		}
		sb.WriteString(html.EscapeString(v.Body))
		sb.WriteString("</code></pre>")
	case richtext.Hyperlink:
		if !richtext.SafeURL(v.URL) {
			writeText(sb, v.Text)
			return
		}
		sb.WriteString(`<a href="` + html.EscapeString(v.URL) + `">`)
		writeText(sb, v.Text)
		sb.WriteString("</a>")
	case richtext.Plain:
		writeText(sb, string(v))
	}
}

func tag(sb *strings.Builder, name string, inner richtext.Node) {
	sb.WriteString("<" + name + ">")
	render(sb, inner)
	sb.WriteString("</" + name + ">")
}

func writeText(sb *strings.Builder, s string) {
	sb.WriteString(strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>"))
}
