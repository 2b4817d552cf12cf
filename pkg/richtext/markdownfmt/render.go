// Copyright 2024-2026 Aiku AI

package markdownfmt

import (
	"strings"
	"unicode/utf8"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// Render converts a rich text tree to markdown that Parse reads back into
// an equivalent tree.
func Render(n richtext.Node) string {
	return render(n)
}

func render(n richtext.Node) string {
	switch v := n.(type) {
	case nil:
		return ""
	case richtext.Sequence:
		var sb strings.Builder
		for i, c := range v {
			block := isBlock(c)
			if block && i > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(render(c))
			if block && i < len(v)-1 {
				sb.WriteByte('\n')
			}
		}
		return sb.String()
	case richtext.Bold:
		return wrap("**", render(v.Inner))
	case richtext.Italic:
		inner := render(v.Inner)
		// "*" next to the bold delimiter would merge into "***".
		if strings.HasPrefix(inner, "*") || strings.HasSuffix(inner, "*") {
			return wrap("_", inner)
		}
		return wrap("*", inner)
	case richtext.Strikethrough:
		return wrap("~~", render(v.Inner))
	case richtext.Blockquote:
		lines := strings.Split(render(v.Inner), "\n")
		for i, line := range lines {
			if line == "" {
				lines[i] = ">"
			} else {
				lines[i] = "> " + line
			}
		}
		return strings.Join(lines, "\n")
	case richtext.FixedWidth:
		s := string(v)
		switch {
		case s == "":
			return ""
		case strings.Contains(s, "`"):
			return "`` " + s + " ``"
		default:
			return "`" + s + "`"
		}
	case richtext.Code:
		return "```" + v.Language + "\n" + v.Body + "\n```"
	case richtext.Hyperlink:
		if !richtext.SafeURL(v.URL) {
			return escape(v.Text)
		}
		return "[" + escape(v.Text) + "](" + strings.ReplaceAll(v.URL, ")", "%29") + ")"
	case richtext.Plain:
		return escape(string(v))
	default:
		return ""
	}
}

func isBlock(n richtext.Node) bool {
	switch n.(type) {
	case richtext.Blockquote, richtext.Code:
		return true
	default:
		return false
	}
}

func wrap(delim, inner string) string {
	if inner == "" {
		return ""
	}
	return delim + inner + delim
}

// escape backslash-escapes characters that Parse would read as markup.
// An underscore inside a word is never a delimiter and is left alone.
func escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	var prev rune
	for i, r := range s {
		switch {
		case strings.ContainsRune("\\*`[]~|", r):
			sb.WriteByte('\\')
		case r == '_':
			next, _ := utf8.DecodeRuneInString(s[i+1:])
			if i == 0 || !isWordRune(prev) || i+1 >= len(s) || !isWordRune(next) {
				sb.WriteByte('\\')
			}
		case r == '>' && (i == 0 || prev == '\n'):
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
		prev = r
	}
	return sb.String()
}
