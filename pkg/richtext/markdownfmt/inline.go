// Copyright 2024-2026 Aiku AI

package markdownfmt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// emphasis delimiters in the order they are tried as openers. Longer
// delimiters come first so "**" is never read as two "*".
var emphasis = []string{"**", "__", "~~", "||", "*", "_"}

type memoKey struct {
	pos    int
	closer string
}

type memoResult struct {
	nodes []richtext.Node
	end   int
	ok    bool
}

// inlineParser is a recursive descent parser over one paragraph. Results are
// memoized per (position, closer) so failed openers cost linear time once.
type inlineParser struct {
	src  string
	memo map[memoKey]memoResult
}

func parseInline(src string) richtext.Node {
	p := &inlineParser{src: src, memo: make(map[memoKey]memoResult)}
	nodes, _, _ := p.parseUntil(0, "")
	return richtext.Seq(nodes...)
}

// parseUntil parses from pos until closer is found. It returns the parsed
// nodes and the position just past the closer. With an empty closer it runs
// to the end of input and always succeeds.
func (p *inlineParser) parseUntil(pos int, closer string) ([]richtext.Node, int, bool) {
	key := memoKey{pos, closer}
	if r, ok := p.memo[key]; ok {
		return r.nodes, r.end, r.ok
	}
	nodes, end, ok := p.scan(pos, closer)
	p.memo[key] = memoResult{nodes, end, ok}
	return nodes, end, ok
}

func (p *inlineParser) scan(pos int, closer string) ([]richtext.Node, int, bool) {
	var nodes []richtext.Node
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			nodes = append(nodes, richtext.Plain(text.String()))
			text.Reset()
		}
	}
	nonEmpty := func() bool { return len(nodes) > 0 || text.Len() > 0 }

	for pos < len(p.src) {
		rest := p.src[pos:]

		// Inside a single-char emphasis a doubled delimiter is first tried
		// as a nested opener: "*a**b**c*".
		if len(closer) == 1 && strings.HasPrefix(rest, closer+closer) {
			if node, end, ok := p.tryEmphasis(pos, closer+closer); ok {
				flush()
				nodes = append(nodes, node)
				pos = end
				continue
			}
		}

		if closer != "" && nonEmpty() && p.closes(pos, closer) {
			flush()
			return nodes, pos + len(closer), true
		}

		if node, end, ok := p.tryOpen(pos); ok {
			flush()
			nodes = append(nodes, node)
			pos = end
			continue
		}

		if rest[0] == '\\' && len(rest) > 1 && isASCIIPunct(rest[1]) {
			text.WriteByte(rest[1])
			pos += 2
			continue
		}

		if rest[0] == '`' {
			// An unmatched backtick run stays literal as a whole.
			n := countRun(rest, '`')
			text.WriteString(rest[:n])
			pos += n
			continue
		}

		_, size := utf8.DecodeRuneInString(rest)
		text.WriteString(rest[:size])
		pos += size
	}

	if closer != "" {
		return nil, pos, false
	}
	flush()
	return nodes, pos, true
}

func (p *inlineParser) tryOpen(pos int) (richtext.Node, int, bool) {
	rest := p.src[pos:]
	switch rest[0] {
	case '`':
		return p.tryCode(pos)
	case '[':
		return p.tryLink(pos)
	}
	for _, delim := range emphasis {
		if strings.HasPrefix(rest, delim) {
			if node, end, ok := p.tryEmphasis(pos, delim); ok {
				return node, end, true
			}
		}
	}
	return nil, pos, false
}

func (p *inlineParser) tryEmphasis(pos int, delim string) (richtext.Node, int, bool) {
	if !p.opens(pos, delim) {
		return nil, pos, false
	}
	inner, end, ok := p.parseUntil(pos+len(delim), delim)
	if !ok {
		return nil, pos, false
	}
	content := richtext.Seq(inner...)
	switch delim {
	case "**":
		return richtext.Bold{Inner: content}, end, true
	case "__":
		// Underline has no counterpart in the tree.
		return richtext.Bold{Inner: richtext.Italic{Inner: content}}, end, true
	case "~~":
		return richtext.Strikethrough{Inner: content}, end, true
	case "||":
		// Spoilers keep their content only.
		return content, end, true
	default:
		return richtext.Italic{Inner: content}, end, true
	}
}

// opens and closes judge flanking by the whole run of delimiter
// characters around pos, so one "*" of an unmatched "**" is never taken on
// its own.
func (p *inlineParser) opens(pos int, delim string) bool {
	start, end := p.run(pos)
	next, ok := p.runeAt(end)
	if !ok || unicode.IsSpace(next) {
		return false
	}
	if delim[0] == '_' {
		if prev, ok := p.runeBefore(start); ok && isWordRune(prev) {
			return false
		}
	}
	return true
}

func (p *inlineParser) closes(pos int, delim string) bool {
	if !strings.HasPrefix(p.src[pos:], delim) {
		return false
	}
	start, end := p.run(pos)
	if prev, ok := p.runeBefore(start); !ok || unicode.IsSpace(prev) {
		return false
	}
	if delim[0] == '_' {
		if next, ok := p.runeAt(end); ok && isWordRune(next) {
			return false
		}
	}
	return true
}

// run returns the bounds of the run of identical bytes containing pos.
func (p *inlineParser) run(pos int) (int, int) {
	c := p.src[pos]
	start, end := pos, pos
	for start > 0 && p.src[start-1] == c {
		start--
	}
	for end < len(p.src) && p.src[end] == c {
		end++
	}
	return start, end
}

// tryCode handles `x`, ``x`` and ```lang\nx``` spans. Their content is
// never parsed for other delimiters.
func (p *inlineParser) tryCode(pos int) (richtext.Node, int, bool) {
	rest := p.src[pos:]
	n := countRun(rest, '`')
	if n > 3 {
		return nil, pos, false
	}
	delim := rest[:n]
	idx := strings.Index(rest[n:], delim)
	if idx <= 0 {
		return nil, pos, false
	}
	content := rest[n : n+idx]
	end := pos + n + idx + n

	switch n {
	case 3:
		lang, body := "", content
		if nl := strings.IndexByte(content, '\n'); nl >= 0 {
			first := content[:nl]
			if first == "" || isLanguage(first) {
				lang, body = first, content[nl+1:]
			}
		}
		body = strings.TrimSuffix(body, "\n")
		return richtext.Code{Language: lang, Body: body}, end, true
	case 2:
		if len(content) >= 2 && content[0] == ' ' && content[len(content)-1] == ' ' {
			content = content[1 : len(content)-1]
		}
		return richtext.FixedWidth(content), end, true
	default:
		return richtext.FixedWidth(content), end, true
	}
}

// tryLink handles [text](url). Unsafe schemes keep the text only.
func (p *inlineParser) tryLink(pos int) (richtext.Node, int, bool) {
	src := p.src
	i := pos + 1
	for ; i < len(src); i++ {
		if src[i] == '\\' {
			i++
			continue
		}
		if src[i] == '\n' {
			return nil, pos, false
		}
		if src[i] == ']' {
			break
		}
	}
	if i+1 >= len(src) || src[i] != ']' || src[i+1] != '(' {
		return nil, pos, false
	}
	closeParen := strings.IndexByte(src[i+2:], ')')
	if closeParen < 0 {
		return nil, pos, false
	}
	url := src[i+2 : i+2+closeParen]
	if url == "" || strings.ContainsAny(url, " \n\t") {
		return nil, pos, false
	}
	text := richtext.PlainText(parseInline(src[pos+1 : i]))
	end := i + 2 + closeParen + 1
	if !richtext.SafeURL(url) {
		return richtext.Plain(text), end, true
	}
	return richtext.Hyperlink{Text: text, URL: url}, end, true
}

func (p *inlineParser) runeAt(pos int) (rune, bool) {
	if pos >= len(p.src) {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(p.src[pos:])
	return r, true
}

func (p *inlineParser) runeBefore(pos int) (rune, bool) {
	if pos <= 0 {
		return 0, false
	}
	r, _ := utf8.DecodeLastRuneInString(p.src[:pos])
	return r, true
}

func countRun(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

func isLanguage(s string) bool {
	for _, r := range s {
		if !isWordRune(r) && !strings.ContainsRune("+-.#", r) {
			return false
		}
	}
	return s != ""
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isASCIIPunct(c byte) bool {
	return strings.IndexByte("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", c) >= 0
}
