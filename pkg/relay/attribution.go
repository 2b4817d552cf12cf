// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/aiku/relaybridge/pkg/richtext"
)

// Attribute prefixes the content of data with the sender's name in bold
// and, for forwarded messages, a "Forwarded from" line. It is used by
// portals that cannot post under the original author's name. An empty name
// leaves the sender out.
func Attribute(data MessageData, name string) richtext.Node {
	var parts []richtext.Node
	if name != "" {
		parts = append(parts, richtext.Bold{Inner: richtext.Plain(name)}, richtext.Plain(": "))
	}
	if fwd := data.ForwardedFrom; fwd != nil {
		parts = append(parts, richtext.Italic{Inner: richtext.Plain("Forwarded from " + fwd.origin())}, richtext.Plain("\n"))
	}
	parts = append(parts, data.Content)
	return richtext.Seq(parts...)
}

func (f *ForwardInfo) origin() string {
	switch {
	case f.Author != nil && f.Author.Name() != "":
		return f.Author.Name()
	case f.Name != "":
		return f.Name
	default:
		return "unknown"
	}
}

// InlineReply quotes the replied-to message above content. The relay uses
// it when the target portal has no mirror to reply to.
func InlineReply(content richtext.Node, reply MessageData) richtext.Node {
	quoted := reply.Content
	if name := reply.Author.Name(); name != "" {
		quoted = richtext.Seq(richtext.Bold{Inner: richtext.Plain(name)}, richtext.Plain(": "), quoted)
	}
	if richtext.IsEmpty(quoted) {
		return content
	}
	return richtext.Seq(richtext.Blockquote{Inner: quoted}, content)
}
