// Copyright 2024-2026 Aiku AI

// Package markdownfmt converts inline-delimiter markdown, as used by
// Mattermost and Discord, to and from the rich text tree.
package markdownfmt

import (
	"strings"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// Parse converts a markdown message to a rich text tree. It never fails:
// unmatched delimiters are kept as literal text.
func Parse(text string) richtext.Node {
	return parseBlocks(strings.Split(text, "\n"))
}

// parseBlocks splits lines into fenced code blocks, quote groups and
// paragraphs. The line break on each side of a block belongs to the block.
func parseBlocks(lines []string) richtext.Node {
	var nodes []richtext.Node
	var para []string
	flush := func() {
		if para != nil {
			nodes = append(nodes, parseInline(strings.Join(para, "\n")))
			para = nil
		}
	}

	for i := 0; i < len(lines); {
		line := lines[i]

		if lang, ok := fenceOpen(line); ok {
			if end := fenceClose(lines, i+1); end > 0 {
				flush()
				nodes = append(nodes, richtext.Code{
					Language: lang,
					Body:     strings.Join(lines[i+1:end], "\n"),
				})
				i = end + 1
				continue
			}
		}

		if isQuoteLine(line) {
			flush()
			var inner []string
			for i < len(lines) && isQuoteLine(lines[i]) {
				inner = append(inner, stripQuote(lines[i]))
				i++
			}
			nodes = append(nodes, richtext.Blockquote{Inner: parseBlocks(inner)})
			continue
		}

		para = append(para, line)
		i++
	}
	flush()

	return richtext.Seq(nodes...)
}

func fenceOpen(line string) (string, bool) {
	if !strings.HasPrefix(line, "```") {
		return "", false
	}
	rest := line[3:]
	if strings.Contains(rest, "`") {
		return "", false
	}
	lang := strings.TrimSpace(rest)
	if strings.ContainsAny(lang, " \t") {
		return "", false
	}
	return lang, true
}

func fenceClose(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "```" {
			return j
		}
	}
	return -1
}

func isQuoteLine(line string) bool {
	return line == ">" || strings.HasPrefix(line, "> ")
}

func stripQuote(line string) string {
	if line == ">" {
		return ""
	}
	return line[2:]
}
