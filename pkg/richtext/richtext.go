// Copyright 2024-2026 Aiku AI

// Package richtext is the platform-neutral formatted text tree that every
// platform formatter parses into and renders from.
package richtext

import "strings"

// Node is one element of a formatted text tree. The set of implementations
// is closed; use a type switch to walk a tree.
type Node interface {
	node()
}

type (
	// Sequence is an ordered run of nodes.
	Sequence []Node
	// Bold wraps its inner node in strong emphasis.
	Bold struct{ Inner Node }
	// Italic wraps its inner node in emphasis.
	Italic struct{ Inner Node }
	// Strikethrough wraps its inner node in a strike-out.
	Strikethrough struct{ Inner Node }
	// Blockquote marks its inner node as quoted.
	Blockquote struct{ Inner Node }
	// FixedWidth is inline monospace text.
	FixedWidth string
	// Hyperlink is link text pointing at URL.
	Hyperlink struct {
		Text string
		URL  string
	}
	// Code is a preformatted block with an optional language hint.
	Code struct {
		Language string
		Body     string
	}
	// Plain is unformatted text.
	Plain string
)

func (Sequence) node()      {}
func (Bold) node()          {}
func (Italic) node()        {}
func (Strikethrough) node() {}
func (Blockquote) node()    {}
func (FixedWidth) node()    {}
func (Hyperlink) node()     {}
func (Code) node()          {}
func (Plain) node()         {}

// Seq builds a normalized node from nodes: nested sequences are flattened,
// adjacent plain runs merged and empty plain runs dropped. It never returns
// an empty Sequence; no content yields Plain(""), a single node is returned
// unwrapped.
func Seq(nodes ...Node) Node {
	out := make(Sequence, 0, len(nodes))
	var appendNode func(n Node)
	appendNode = func(n Node) {
		switch v := n.(type) {
		case nil:
		case Sequence:
			for _, c := range v {
				appendNode(c)
			}
		case Plain:
			if v == "" {
				return
			}
			if len(out) > 0 {
				if prev, ok := out[len(out)-1].(Plain); ok {
					out[len(out)-1] = prev + v
					return
				}
			}
			out = append(out, v)
		default:
			out = append(out, v)
		}
	}
	for _, n := range nodes {
		appendNode(n)
	}
	switch len(out) {
	case 0:
		return Plain("")
	case 1:
		return out[0]
	default:
		return out
	}
}

// Normalize rebuilds n bottom-up with Seq so that structurally equal trees
// compare equal.
func Normalize(n Node) Node {
	switch v := n.(type) {
	case nil:
		return Plain("")
	case Sequence:
		children := make([]Node, len(v))
		for i, c := range v {
			children[i] = Normalize(c)
		}
		return Seq(children...)
	case Bold:
		return Bold{Inner: Normalize(v.Inner)}
	case Italic:
		return Italic{Inner: Normalize(v.Inner)}
	case Strikethrough:
		return Strikethrough{Inner: Normalize(v.Inner)}
	case Blockquote:
		return Blockquote{Inner: Normalize(v.Inner)}
	default:
		return v
	}
}

// PlainText returns the text of n with all formatting removed. Links render
// as their text and code blocks as their body.
func PlainText(n Node) string {
	var sb strings.Builder
	writePlain(&sb, n)
	return sb.String()
}

func writePlain(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case Sequence:
		for _, c := range v {
			writePlain(sb, c)
		}
	case Bold:
		writePlain(sb, v.Inner)
	case Italic:
		writePlain(sb, v.Inner)
	case Strikethrough:
		writePlain(sb, v.Inner)
	case Blockquote:
		writePlain(sb, v.Inner)
	case FixedWidth:
		sb.WriteString(string(v))
	case Hyperlink:
		sb.WriteString(v.Text)
	case Code:
		sb.WriteString(v.Body)
	case Plain:
		sb.WriteString(string(v))
	}
}

// IsEmpty reports whether n carries no text at all.
func IsEmpty(n Node) bool {
	return n == nil || PlainText(n) == ""
}

// Equal reports whether a and b are the same tree after normalization.
func Equal(a, b Node) bool {
	return equal(Normalize(a), Normalize(b))
}

func equal(a, b Node) bool {
	switch va := a.(type) {
	case Sequence:
		vb, ok := b.(Sequence)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	case Bold:
		vb, ok := b.(Bold)
		return ok && equal(va.Inner, vb.Inner)
	case Italic:
		vb, ok := b.(Italic)
		return ok && equal(va.Inner, vb.Inner)
	case Strikethrough:
		vb, ok := b.(Strikethrough)
		return ok && equal(va.Inner, vb.Inner)
	case Blockquote:
		vb, ok := b.(Blockquote)
		return ok && equal(va.Inner, vb.Inner)
	default:
		return a == b
	}
}

// SafeURL reports whether url uses a scheme that may be rendered as a link.
// Anything else is flattened to its text by the formatters.
func SafeURL(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
