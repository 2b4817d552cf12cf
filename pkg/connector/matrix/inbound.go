// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/richtext"
	"github.com/aiku/relaybridge/pkg/richtext/htmlfmt"
)

// handleEvent is the sync handler for every event type the portal
// subscribes to.
func (p *Portal) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.RoomID != p.cfg.RoomID {
		return
	}
	// Echo prevention: skip own events, which include everything relayed
	// here from other portals.
	if evt.Sender == p.cfg.UserID {
		return
	}
	if p.cfg.ignored(evt.Sender) {
		p.log.Debug().
			Stringer("event_id", evt.ID).
			Stringer("sender", evt.Sender).
			Msg("Skipping bridge bot event (echo prevention)")
		return
	}
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		p.handleMessage(ctx, evt)
	case event.EventReaction:
		p.handleReaction(ctx, evt)
	case event.EventRedaction:
		p.handleRedaction(ctx, evt)
	default:
		p.log.Trace().Str("event_type", evt.Type.Type).Msg("Unhandled event type")
	}
}

func (p *Portal) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if evt.Type == event.EventSticker {
		content.MsgType = event.MsgImage
	}
	if content.RelatesTo.GetReplaceID() != "" {
		p.handleEdit(ctx, evt, content)
		return
	}
	p.log.Debug().
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Msg("Received new message")

	msg := relay.Message{Data: p.messageData(ctx, evt.Sender, content)}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		msg.Meta.ReplyTo = &relay.ReplyTo{
			MessageID: relay.ExternMessageID(replyTo),
			Data:      p.replyData(ctx, replyTo),
		}
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(evt.Sender),
		MessageID: relay.ExternMessageID(evt.ID),
		Kind:      relay.MessageSent{Message: msg},
	})
}

func (p *Portal) handleEdit(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	newContent := content.NewContent
	if newContent == nil {
		stripped := *content
		stripped.Body = strings.TrimPrefix(stripped.Body, "* ")
		stripped.FormattedBody = strings.TrimPrefix(stripped.FormattedBody, "* ")
		newContent = &stripped
	}
	data := relay.MessageData{
		Author:  p.author(ctx, evt.Sender),
		Content: textContent(newContent),
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(evt.Sender),
		MessageID: relay.ExternMessageID(content.RelatesTo.GetReplaceID()),
		Kind:      relay.MessageEdited{To: relay.Message{Data: data}},
	})
}

func (p *Portal) handleReaction(ctx context.Context, evt *event.Event) {
	rel := evt.Content.AsReaction().GetRelatesTo()
	if rel.Type != event.RelAnnotation || rel.EventID == "" {
		return
	}
	p.mu.Lock()
	p.reactions.Put(evt.ID, reactionRef{Target: rel.EventID, Key: rel.Key, Sender: evt.Sender})
	p.mu.Unlock()
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(evt.Sender),
		MessageID: relay.ExternMessageID(rel.EventID),
		Kind: relay.ReactionAdded{Reaction: relay.Reaction{
			Author:  p.author(ctx, evt.Sender),
			Content: rel.Key,
		}},
	})
}

// handleRedaction reports a redacted reaction as its removal and any other
// redaction as a message delete.
func (p *Portal) handleRedaction(ctx context.Context, evt *event.Event) {
	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	if target == "" {
		return
	}
	p.mu.Lock()
	ref, isReaction := p.reactions.Get(target)
	p.reactions.Delete(target)
	p.mu.Unlock()

	if isReaction {
		p.emit(ctx, relay.Event{
			AuthorID:  relay.ExternAuthorID(ref.Sender),
			MessageID: relay.ExternMessageID(ref.Target),
			Kind: relay.ReactionRemoved{Reaction: relay.Reaction{
				Author:  p.author(ctx, ref.Sender),
				Content: ref.Key,
			}},
		})
		return
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(evt.Sender),
		MessageID: relay.ExternMessageID(target),
		Kind:      relay.MessageDeleted{},
	})
}

func (p *Portal) emit(ctx context.Context, ev relay.Event) {
	select {
	case p.events <- relay.SourcedEvent{Source: p.id, Event: ev}:
	case <-ctx.Done():
	}
}

// messageData converts the sender, text and media of a message.
func (p *Portal) messageData(ctx context.Context, sender id.UserID, content *event.MessageEventContent) relay.MessageData {
	data := relay.MessageData{Author: p.author(ctx, sender)}
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		if f, ok := p.downloadMedia(ctx, content); ok {
			data.Attachments = append(data.Attachments, f)
		}
		// The body of a media event is its caption when a separate file
		// name is given.
		if content.FileName != "" && content.Body != content.FileName {
			data.Content = textContent(content)
		} else {
			data.Content = richtext.Plain("")
		}
	default:
		data.Content = textContent(content)
	}
	return data
}

// textContent converts the text of a message, preferring the HTML body.
func textContent(content *event.MessageEventContent) richtext.Node {
	content.RemoveReplyFallback()
	var n richtext.Node
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		n = htmlfmt.Parse(content.FormattedBody)
	} else {
		n = richtext.Plain(content.Body)
	}
	if content.MsgType == event.MsgEmote {
		n = richtext.Seq(richtext.Plain("/me "), n)
	}
	return n
}

// replyData fetches the replied-to event for quoting. It returns nil when
// the event cannot be read.
func (p *Portal) replyData(ctx context.Context, eventID id.EventID) *relay.MessageData {
	var evt *event.Event
	err := p.do(ctx, "get event", func(ctx context.Context) error {
		var err error
		evt, err = p.client.GetEvent(ctx, p.cfg.RoomID, eventID)
		return err
	})
	if err != nil {
		p.log.Warn().Err(err).Stringer("event_id", eventID).Msg("Failed to get replied-to event")
		return nil
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		p.log.Warn().Err(err).Stringer("event_id", eventID).Msg("Failed to parse replied-to event")
		return nil
	}
	content := evt.Content.AsMessage()
	return &relay.MessageData{
		Author:  p.author(ctx, evt.Sender),
		Content: textContent(content),
	}
}

// downloadMedia fetches the file of a media message. Encrypted media and
// download failures are logged and left out.
func (p *Portal) downloadMedia(ctx context.Context, content *event.MessageEventContent) (relay.File, bool) {
	if content.File != nil {
		p.log.Warn().Msg("Encrypted media is not supported, skipping attachment")
		return relay.File{}, false
	}
	uri, err := content.URL.Parse()
	if err != nil {
		p.log.Warn().Err(err).Str("url", string(content.URL)).Msg("Invalid media URL")
		return relay.File{}, false
	}
	var data []byte
	err = p.do(ctx, "download media", func(ctx context.Context) error {
		var err error
		data, err = p.client.DownloadBytes(ctx, uri)
		return err
	})
	if err != nil {
		p.log.Error().Err(err).Stringer("mxc", uri).Msg("Failed to download media")
		return relay.File{}, false
	}
	f := relay.File{
		Name: content.GetFileName(),
		Kind: fileKind(content.MsgType),
		Data: data,
	}
	if content.Info != nil {
		f.MimeType = content.Info.MimeType
	}
	return f, true
}

func fileKind(msgType event.MessageType) relay.FileKind {
	switch msgType {
	case event.MsgImage:
		return relay.FileImage
	case event.MsgVideo:
		return relay.FileVideo
	case event.MsgAudio:
		return relay.FileAudio
	default:
		return relay.FileDocument
	}
}

func msgType(kind relay.FileKind) event.MessageType {
	switch kind {
	case relay.FileImage:
		return event.MsgImage
	case relay.FileVideo:
		return event.MsgVideo
	case relay.FileAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
