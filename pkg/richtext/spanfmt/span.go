// Copyright 2024-2026 Aiku AI

// Package spanfmt handles platforms that describe formatting as byte ranges
// over plain text (entity spans) instead of inline delimiters.
package spanfmt

import (
	"cmp"
	"slices"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Kind is the formatting a span applies to its range.
type Kind int

const (
	KindUnknown Kind = iota
	KindBold
	KindItalic
	KindUnderline
	KindStrikethrough
	KindSpoiler
	KindCode
	KindPre
	KindTextLink
	KindBlockquote
	// KindMention and the kinds below it carry no formatting; they are
	// accepted and ignored.
	KindMention
	KindURL
	KindEmail
	KindHashtag
	KindCustomEmoji
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindBold:          "bold",
	KindItalic:        "italic",
	KindUnderline:     "underline",
	KindStrikethrough: "strikethrough",
	KindSpoiler:       "spoiler",
	KindCode:          "code",
	KindPre:           "pre",
	KindTextLink:      "text_link",
	KindBlockquote:    "blockquote",
	KindMention:       "mention",
	KindURL:           "url",
	KindEmail:         "email",
	KindHashtag:       "hashtag",
	KindCustomEmoji:   "custom_emoji",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Span annotates Length bytes of text starting at byte Offset.
type Span struct {
	Kind   Kind
	Offset int
	Length int
	// Language is set for KindPre.
	Language string
	// URL is set for KindTextLink.
	URL string
}

// End returns the byte offset just past the span.
func (s Span) End() int {
	return s.Offset + s.Length
}

// Clamp returns the spans that can be applied to text. Spans reaching
// outside the text are clamped to it, offsets inside a UTF-8 sequence are
// widened to the enclosing rune, and spans with a negative length or no
// overlap with the text are skipped. The second result lists every input
// span that was changed or skipped. Clamp never panics.
func Clamp(text string, spans []Span) ([]Span, []Span) {
	out := make([]Span, 0, len(spans))
	var malformed []Span
	for _, s := range spans {
		if s.Length < 0 || s.Offset > len(text) || s.End() < 0 {
			malformed = append(malformed, s)
			continue
		}
		fixed := s
		start, end := s.Offset, s.End()
		start = max(start, 0)
		end = min(end, len(text))
		for start > 0 && start < len(text) && !utf8.RuneStart(text[start]) {
			start--
		}
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end++
		}
		fixed.Offset, fixed.Length = start, end-start
		if s.Length > 0 && fixed.Length == 0 {
			malformed = append(malformed, s)
			continue
		}
		if fixed != s {
			malformed = append(malformed, s)
		}
		out = append(out, fixed)
	}
	return out, malformed
}

// Sanitize is Clamp that logs every malformed span at warn level.
func Sanitize(text string, spans []Span, log zerolog.Logger) []Span {
	out, malformed := Clamp(text, spans)
	for _, s := range malformed {
		log.Warn().
			Stringer("kind", s.Kind).
			Int("offset", s.Offset).
			Int("length", s.Length).
			Int("text_len", len(text)).
			Msg("Clamped or skipped malformed formatting span")
	}
	return out
}

// sortSpans orders spans by offset, longer first at equal offsets, keeping
// the input order for identical ranges so the first listed span is the
// outer one.
func sortSpans(spans []Span) {
	slices.SortStableFunc(spans, func(a, b Span) int {
		if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
			return c
		}
		return cmp.Compare(b.Length, a.Length)
	})
}

// FromUTF16 converts spans whose offsets count UTF-16 code units, as the
// Telegram API does, into byte offsets over text. Offsets that fall inside
// a surrogate pair snap to the start of the rune.
func FromUTF16(text string, spans []Span) []Span {
	// byteAt[i] is the byte offset of UTF-16 unit i.
	byteAt := make([]int, 0, len(text)+1)
	for i, r := range text {
		byteAt = append(byteAt, i)
		if r >= 0x10000 {
			byteAt = append(byteAt, i)
		}
	}
	byteAt = append(byteAt, len(text))
	conv := func(u int) int {
		switch {
		case u < 0:
			return u
		case u >= len(byteAt):
			return len(text) + (u - (len(byteAt) - 1))
		default:
			return byteAt[u]
		}
	}
	out := make([]Span, len(spans))
	for i, s := range spans {
		start, end := conv(s.Offset), conv(s.Offset+s.Length)
		s.Offset, s.Length = start, end-start
		out[i] = s
	}
	return out
}
