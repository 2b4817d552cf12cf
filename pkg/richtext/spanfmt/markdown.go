// Copyright 2024-2026 Aiku AI

package spanfmt

import (
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/richtext"
)

type slot struct {
	closes string
	// units holds the markers of zero-width spans, open and close together.
	units string
	opens string
}

// ToMarkdown splices inline markdown delimiters into text at the span
// boundaries. The text between delimiters is copied unchanged, so removing
// the inserted markers gives back the original text. Spans without a
// formatting meaning, such as mentions or bare URLs, are ignored. A
// zero-width span keeps its position and is written as its opening and
// closing marker together. Crossing spans are split so the output is well
// nested. Malformed spans are clamped or skipped and logged to log.
func ToMarkdown(text string, spans []Span, log zerolog.Logger) string {
	var sb strings.Builder
	splice(text, Sanitize(text, spans, log), func(s string, _ bool) {
		sb.WriteString(s)
	})
	return sb.String()
}

// splice calls emit with the output pieces in order. marker is true for
// inserted markup and false for text copied from the input.
func splice(text string, spans []Span, emit func(s string, marker bool)) {
	var ranged, zero []Span
	for _, s := range spans {
		if s.Kind < KindBold || s.Kind > KindBlockquote {
			continue
		}
		if s.Length > 0 {
			ranged = append(ranged, s)
		} else if s.Kind != KindBlockquote {
			// A quote of nothing has no line to prefix.
			zero = append(zero, s)
		}
	}
	if len(ranged) == 0 && len(zero) == 0 {
		emit(text, false)
		return
	}
	ranged = nest(ranged)

	slots := make(map[int]*slot)
	at := func(pos int) *slot {
		sl, ok := slots[pos]
		if !ok {
			sl = &slot{}
			slots[pos] = sl
		}
		return sl
	}
	var quotes []Span
	for _, s := range ranged {
		open, closing := markers(text, s)
		if s.Kind == KindBlockquote {
			quotes = append(quotes, s)
		}
		if open == "" && closing == "" {
			continue
		}
		at(s.Offset).opens += open
		end := at(s.End())
		end.closes = closing + end.closes
	}
	for _, s := range zero {
		open, closing := markers(text, s)
		at(s.Offset).units += open + closing
	}

	positions := make([]int, 0, len(slots))
	for pos := range slots {
		positions = append(positions, pos)
	}
	slices.Sort(positions)

	prev := 0
	for _, pos := range positions {
		writeSegment(text, prev, pos, quotes, emit)
		sl := slots[pos]
		for _, m := range []string{sl.closes, sl.units, sl.opens} {
			if m != "" {
				emit(m, true)
			}
		}
		prev = pos
	}
	writeSegment(text, prev, len(text), quotes, emit)
}

// nest splits every span that crosses the end of a span opened before it,
// the same way Parse does. The result is sorted and well nested.
func nest(spans []Span) []Span {
	work := slices.Clone(spans)
	sortSpans(work)
	out := make([]Span, 0, len(work))
	var stack []Span
	for len(work) > 0 {
		s := work[0]
		work = work[1:]
		for len(stack) > 0 && stack[len(stack)-1].End() <= s.Offset {
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			if top := stack[len(stack)-1]; top.End() < s.End() {
				tail := s
				tail.Offset, tail.Length = top.End(), s.End()-top.End()
				s.Length = top.End() - s.Offset
				work = append(work, tail)
				sortSpans(work)
			}
		}
		out = append(out, s)
		stack = append(stack, s)
	}
	return out
}

func markers(text string, s Span) (string, string) {
	switch s.Kind {
	case KindBold:
		return "**", "**"
	case KindItalic:
		return "_", "_"
	case KindUnderline:
		return "__", "__"
	case KindStrikethrough:
		return "~~", "~~"
	case KindSpoiler:
		return "||", "||"
	case KindCode:
		return "`", "`"
	case KindPre:
		return "```" + s.Language + "\n", "\n```"
	case KindTextLink:
		if !richtext.SafeURL(s.URL) {
			return "", ""
		}
		return "[", "](" + strings.ReplaceAll(s.URL, ")", "%29") + ")"
	case KindBlockquote:
		open, closing := "> ", ""
		if s.Offset > 0 && text[s.Offset-1] != '\n' {
			open = "\n> "
		}
		if s.End() < len(text) && text[s.End()] != '\n' {
			closing = "\n"
		}
		return open, closing
	default:
		return "", ""
	}
}

// writeSegment emits text[lo:hi], continuing every block quote that covers
// a line break onto the next line.
func writeSegment(text string, lo, hi int, quotes []Span, emit func(string, bool)) {
	start := lo
	for i := lo; i < hi; i++ {
		if text[i] != '\n' {
			continue
		}
		prefix := ""
		for _, q := range quotes {
			if q.Offset <= i && i+1 < q.End() {
				prefix += "> "
			}
		}
		if prefix == "" {
			continue
		}
		emit(text[start:i+1], false)
		emit(prefix, true)
		start = i + 1
	}
	if start < hi {
		emit(text[start:hi], false)
	}
}
