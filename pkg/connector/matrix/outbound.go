// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/richtext"
	"github.com/aiku/relaybridge/pkg/richtext/htmlfmt"
	"github.com/aiku/relaybridge/pkg/richtext/markdownfmt"
)

// Message sends msg. Text goes out as one event; with attachments every
// uploaded file is its own event and the text is the caption of the
// first one.
func (p *Portal) Message(ctx context.Context, msg relay.Message) ([]relay.ExternMessageID, error) {
	content := relay.Attribute(msg.Data, msg.Data.Author.Name())

	var links []richtext.Node
	var files []relay.File
	for _, f := range msg.Data.Attachments {
		switch {
		case len(f.Data) > 0:
			files = append(files, f)
		case richtext.SafeURL(f.URL):
			links = append(links, richtext.Plain("\n"), richtext.Hyperlink{Text: f.Name, URL: f.URL})
		}
	}
	content = richtext.Seq(append([]richtext.Node{content}, links...)...)

	var relatesTo *event.RelatesTo
	if reply := msg.Meta.ReplyTo; reply != nil {
		relatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(reply.MessageID))
	}

	if len(files) == 0 {
		if richtext.IsEmpty(content) {
			return nil, nil
		}
		evt := textEvent(content)
		evt.RelatesTo = relatesTo
		eventID, err := p.send(ctx, evt)
		if err != nil {
			return nil, err
		}
		return []relay.ExternMessageID{relay.ExternMessageID(eventID)}, nil
	}

	ids := make([]relay.ExternMessageID, 0, len(files))
	for i, f := range files {
		evt, err := p.mediaEvent(ctx, f)
		if err != nil {
			return ids, err
		}
		if i == 0 {
			setCaption(evt, content)
			evt.RelatesTo = relatesTo
		}
		eventID, err := p.send(ctx, evt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, relay.ExternMessageID(eventID))
	}
	return ids, nil
}

// MessageEdit replaces an event's text. Media events keep their file and
// get a new caption.
func (p *Portal) MessageEdit(ctx context.Context, eventID relay.ExternMessageID, _ *relay.Message, to relay.Message) error {
	content := relay.Attribute(to.Data, to.Data.Author.Name())
	newContent := textEvent(content)
	if to.Meta.HasAttachments {
		original, err := p.originalMedia(ctx, id.EventID(eventID))
		if err != nil {
			return err
		}
		if original != nil {
			newContent = original
			setCaption(newContent, content)
		}
	}
	edit := *newContent
	edit.SetEdit(id.EventID(eventID))
	_, err := p.send(ctx, &edit)
	return err
}

// MessageDelete redacts an event. An event that no longer exists counts as
// deleted.
func (p *Portal) MessageDelete(ctx context.Context, eventID relay.ExternMessageID) error {
	return p.redact(ctx, id.EventID(eventID))
}

func (p *Portal) ReactionAdd(ctx context.Context, eventID relay.ExternMessageID, reaction relay.Reaction) error {
	var resp *mautrix.RespSendEvent
	err := p.do(ctx, "send reaction", func(ctx context.Context) error {
		var err error
		resp, err = p.client.SendReaction(ctx, p.cfg.RoomID, id.EventID(eventID), reaction.Content)
		return err
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent.Put(sentKey{Target: id.EventID(eventID), Key: reaction.Content}, resp.EventID)
	p.mu.Unlock()
	return nil
}

// ReactionRemove redacts the reaction this portal sent. Removing a
// reaction that was never sent succeeds.
func (p *Portal) ReactionRemove(ctx context.Context, eventID relay.ExternMessageID, reaction relay.Reaction) error {
	key := sentKey{Target: id.EventID(eventID), Key: reaction.Content}
	p.mu.Lock()
	reactionID, ok := p.sent.Get(key)
	p.mu.Unlock()
	if !ok {
		p.log.Debug().Str("target", string(eventID)).Str("emoji", reaction.Content).Msg("No sent reaction to remove")
		return nil
	}
	if err := p.redact(ctx, reactionID); err != nil {
		return err
	}
	p.mu.Lock()
	p.sent.Delete(key)
	p.mu.Unlock()
	return nil
}

func (p *Portal) send(ctx context.Context, content *event.MessageEventContent) (id.EventID, error) {
	var resp *mautrix.RespSendEvent
	err := p.do(ctx, "send message", func(ctx context.Context) error {
		var err error
		resp, err = p.client.SendMessageEvent(ctx, p.cfg.RoomID, event.EventMessage, content)
		return err
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (p *Portal) redact(ctx context.Context, eventID id.EventID) error {
	err := p.do(ctx, "redact event", func(ctx context.Context) error {
		_, err := p.client.RedactEvent(ctx, p.cfg.RoomID, eventID)
		return err
	})
	if errors.Is(err, mautrix.MNotFound) {
		p.log.Debug().Err(err).Stringer("event_id", eventID).Msg("Target already gone")
		return nil
	}
	return err
}

// mediaEvent uploads f and returns the event content that shows it.
func (p *Portal) mediaEvent(ctx context.Context, f relay.File) (*event.MessageEventContent, error) {
	name := f.Name
	if name == "" {
		name = "upload"
	}
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	var resp *mautrix.RespMediaUpload
	err := p.do(ctx, "upload media", func(ctx context.Context) error {
		var err error
		resp, err = p.client.UploadBytesWithName(ctx, f.Data, mimeType, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &event.MessageEventContent{
		MsgType: msgType(f.Kind),
		Body:    name,
		URL:     resp.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(f.Data),
		},
	}, nil
}

// originalMedia fetches the media content of an event so an edit can keep
// its file. It returns nil when the event is not a media message.
func (p *Portal) originalMedia(ctx context.Context, eventID id.EventID) (*event.MessageEventContent, error) {
	var evt *event.Event
	err := p.do(ctx, "get event", func(ctx context.Context) error {
		var err error
		evt, err = p.client.GetEvent(ctx, p.cfg.RoomID, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return nil, fmt.Errorf("failed to parse event %s: %w", eventID, err)
	}
	content := evt.Content.AsMessage()
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return &event.MessageEventContent{
			MsgType:  content.MsgType,
			Body:     content.GetFileName(),
			URL:      content.URL,
			Info:     content.Info,
			FileName: content.FileName,
		}, nil
	default:
		return nil, nil
	}
}

func textEvent(content richtext.Node) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          markdownfmt.Render(content),
		Format:        event.FormatHTML,
		FormattedBody: htmlfmt.Render(content),
	}
}

// setCaption turns the body of a media event into a caption. The file
// name moves to FileName as the caption convention requires.
func setCaption(media *event.MessageEventContent, content richtext.Node) {
	if richtext.IsEmpty(content) {
		return
	}
	if media.FileName == "" {
		media.FileName = media.Body
	}
	media.Body = markdownfmt.Render(content)
	media.Format = event.FormatHTML
	media.FormattedBody = htmlfmt.Render(content)
}
