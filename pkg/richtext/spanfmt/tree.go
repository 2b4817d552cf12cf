// Copyright 2024-2026 Aiku AI

package spanfmt

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// Parse builds a rich text tree from text and its spans. Spans that cross
// each other are split at the end of the span that opened first, so the
// result is always well nested. Zero-width spans carry no text and are
// skipped. Malformed spans are clamped or skipped and logged to log, see
// Sanitize.
func Parse(text string, spans []Span, log zerolog.Logger) richtext.Node {
	clamped := Sanitize(text, spans, log)
	usable := clamped[:0]
	for _, s := range clamped {
		if s.Length > 0 {
			usable = append(usable, s)
		}
	}
	sortSpans(usable)
	return richtext.Seq(build(text, 0, len(text), usable)...)
}

// build converts text[lo:hi] with spans that all lie inside it.
func build(text string, lo, hi int, spans []Span) []richtext.Node {
	var out []richtext.Node
	pos := lo
	for len(spans) > 0 {
		s := spans[0]
		spans = spans[1:]
		if s.End() <= pos {
			continue
		}
		if s.Offset < pos {
			s.Length -= pos - s.Offset
			s.Offset = pos
		}
		if s.Offset > pos {
			out = append(out, richtext.Plain(text[pos:s.Offset]))
		}

		end := s.End()
		var inner, rest []Span
		for _, c := range spans {
			switch {
			case c.Offset >= end:
				rest = append(rest, c)
			case c.End() > end:
				head, tail := c, c
				head.Length = end - c.Offset
				tail.Offset, tail.Length = end, c.End()-end
				inner = append(inner, head)
				rest = append(rest, tail)
			default:
				inner = append(inner, c)
			}
		}
		sortSpans(inner)
		sortSpans(rest)
		spans = rest

		out = append(out, wrap(s, text, build(text, s.Offset, end, inner)))
		pos = end
	}
	if pos < hi {
		out = append(out, richtext.Plain(text[pos:hi]))
	}
	return out
}

func wrap(s Span, text string, children []richtext.Node) richtext.Node {
	inner := richtext.Seq(children...)
	switch s.Kind {
	case KindBold:
		return richtext.Bold{Inner: inner}
	case KindItalic:
		return richtext.Italic{Inner: inner}
	case KindUnderline:
		return richtext.Bold{Inner: richtext.Italic{Inner: inner}}
	case KindStrikethrough:
		return richtext.Strikethrough{Inner: inner}
	case KindBlockquote:
		return richtext.Blockquote{Inner: inner}
	case KindCode:
		return richtext.FixedWidth(text[s.Offset:s.End()])
	case KindPre:
		return richtext.Code{Language: s.Language, Body: text[s.Offset:s.End()]}
	case KindTextLink:
		if richtext.SafeURL(s.URL) {
			return richtext.Hyperlink{Text: richtext.PlainText(inner), URL: s.URL}
		}
		return inner
	default:
		return inner
	}
}

// Render flattens a rich text tree into plain text plus spans. Outer spans
// are listed before the spans they enclose.
func Render(n richtext.Node) (string, []Span) {
	r := &renderer{}
	r.render(n)
	return r.sb.String(), r.spans
}

type renderer struct {
	sb    strings.Builder
	spans []Span
}

func (r *renderer) render(n richtext.Node) {
	switch v := n.(type) {
	case richtext.Sequence:
		for _, c := range v {
			r.render(c)
		}
	case richtext.Bold:
		r.wrap(Span{Kind: KindBold}, v.Inner)
	case richtext.Italic:
		r.wrap(Span{Kind: KindItalic}, v.Inner)
	case richtext.Strikethrough:
		r.wrap(Span{Kind: KindStrikethrough}, v.Inner)
	case richtext.Blockquote:
		r.wrap(Span{Kind: KindBlockquote}, v.Inner)
	case richtext.FixedWidth:
		r.wrap(Span{Kind: KindCode}, richtext.Plain(v))
	case richtext.Code:
		r.wrap(Span{Kind: KindPre, Language: v.Language}, richtext.Plain(v.Body))
	case richtext.Hyperlink:
		if !richtext.SafeURL(v.URL) {
			r.sb.WriteString(v.Text)
			return
		}
		r.wrap(Span{Kind: KindTextLink, URL: v.URL}, richtext.Plain(v.Text))
	case richtext.Plain:
		r.sb.WriteString(string(v))
	}
}

func (r *renderer) wrap(s Span, inner richtext.Node) {
	s.Offset = r.sb.Len()
	idx := len(r.spans)
	r.spans = append(r.spans, s)
	r.render(inner)
	length := r.sb.Len() - s.Offset
	if length == 0 {
		r.spans = append(r.spans[:idx], r.spans[idx+1:]...)
		return
	}
	r.spans[idx].Length = length
}
