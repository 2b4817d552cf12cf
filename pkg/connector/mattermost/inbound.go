// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/richtext/markdownfmt"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (p *Portal) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		p.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		p.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		p.handlePostDeleted(ctx, evt)
	case model.WebsocketEventReactionAdded:
		p.handleReaction(ctx, evt, true)
	case model.WebsocketEventReactionRemoved:
		p.handleReaction(ctx, evt, false)
	default:
		p.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts a post of the bridged channel from a WebSocket
// event, applying echo prevention. Returns (nil, nil) to skip silently.
func (p *Portal) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.ChannelId != p.cfg.ChannelID {
		return nil, nil
	}
	// Echo prevention: skip own posts, which include everything relayed
	// here from other portals.
	if post.UserId == p.userID {
		return nil, nil
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, p.cfg.BotPrefix, p.cfg.IgnoreUsers) {
		p.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}
	return &post, nil
}

// parseReactionEvent extracts a reaction in the bridged channel.
// Returns (nil, nil) to skip.
func (p *Portal) parseReactionEvent(evt *model.WebSocketEvent) (*model.Reaction, error) {
	if evt.GetBroadcast().ChannelId != p.cfg.ChannelID {
		return nil, nil
	}
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, nil
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	if reaction.UserId == p.userID {
		return nil, nil
	}
	return &reaction, nil
}

// isBridgeUsername returns true if the username belongs to another bridge
// bot whose posts must not be relayed: any name in ignore, or any name
// starting with botPrefix.
func isBridgeUsername(username, botPrefix string, ignore []string) bool {
	switch {
	case slices.Contains(ignore, username):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

func (p *Portal) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := p.parsePostEvent(evt)
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	// System messages (joins, header changes) are not chat content.
	if post == nil || (post.Type != "" && post.Type != model.PostTypeDefault) {
		return
	}
	p.log.Debug().
		Str("post_id", post.Id).
		Str("user_id", post.UserId).
		Msg("Received new message")

	msg := relay.Message{Data: p.postData(ctx, post)}
	if post.RootId != "" {
		msg.Meta.ReplyTo = &relay.ReplyTo{
			MessageID: relay.ExternMessageID(post.RootId),
			Data:      p.replyData(ctx, post.RootId),
		}
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(post.UserId),
		MessageID: relay.ExternMessageID(post.Id),
		Kind:      relay.MessageSent{Message: msg},
	})
}

func (p *Portal) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := p.parsePostEvent(evt)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil {
		return
	}
	data := relay.MessageData{
		Author:  p.author(ctx, post.UserId),
		Content: markdownfmt.Parse(post.Message),
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(post.UserId),
		MessageID: relay.ExternMessageID(post.Id),
		Kind:      relay.MessageEdited{To: relay.Message{Data: data}},
	})
}

func (p *Portal) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := p.parsePostEvent(evt)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil {
		return
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(post.UserId),
		MessageID: relay.ExternMessageID(post.Id),
		Kind:      relay.MessageDeleted{},
	})
}

func (p *Portal) handleReaction(ctx context.Context, evt *model.WebSocketEvent, added bool) {
	reaction, err := p.parseReactionEvent(evt)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to parse reaction event")
		return
	}
	if reaction == nil {
		return
	}
	r := relay.Reaction{
		Author:  p.author(ctx, reaction.UserId),
		Content: emojiFromName(reaction.EmojiName),
	}
	var kind relay.EventKind = relay.ReactionAdded{Reaction: r}
	if !added {
		kind = relay.ReactionRemoved{Reaction: r}
	}
	p.emit(ctx, relay.Event{
		AuthorID:  relay.ExternAuthorID(reaction.UserId),
		MessageID: relay.ExternMessageID(reaction.PostId),
		Kind:      kind,
	})
}

func (p *Portal) emit(ctx context.Context, ev relay.Event) {
	select {
	case p.events <- relay.SourcedEvent{Source: p.id, Event: ev}:
	case <-ctx.Done():
	}
}

// postData converts a post's author, text and files.
func (p *Portal) postData(ctx context.Context, post *model.Post) relay.MessageData {
	data := relay.MessageData{
		Author:  p.author(ctx, post.UserId),
		Content: markdownfmt.Parse(post.Message),
	}
	for _, fileID := range post.FileIds {
		if f, ok := p.downloadFile(ctx, fileID); ok {
			data.Attachments = append(data.Attachments, f)
		}
	}
	return data
}

// replyData fetches the replied-to post for quoting. It returns nil when
// the post cannot be read.
func (p *Portal) replyData(ctx context.Context, postID string) *relay.MessageData {
	var root *model.Post
	err := p.do(ctx, "get post", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		root, resp, err = p.client.GetPost(ctx, postID, "")
		return resp, err
	})
	if err != nil {
		p.log.Warn().Err(err).Str("post_id", postID).Msg("Failed to get replied-to post")
		return nil
	}
	return &relay.MessageData{
		Author:  p.author(ctx, root.UserId),
		Content: markdownfmt.Parse(root.Message),
	}
}

// downloadFile fetches one attachment. Failures are logged and the file
// is left out of the message.
func (p *Portal) downloadFile(ctx context.Context, fileID string) (relay.File, bool) {
	var info *model.FileInfo
	err := p.do(ctx, "get file info", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		info, resp, err = p.client.GetFileInfo(ctx, fileID)
		return resp, err
	})
	if err != nil {
		p.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
		return relay.File{}, false
	}
	var data []byte
	err = p.do(ctx, "download file", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		data, resp, err = p.client.GetFile(ctx, fileID)
		return resp, err
	})
	if err != nil {
		p.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to download file")
		return relay.File{}, false
	}
	return relay.File{
		Name:     info.Name,
		Kind:     fileKind(info.MimeType),
		MimeType: info.MimeType,
		Data:     data,
	}, true
}

func fileKind(mimeType string) relay.FileKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return relay.FileImage
	case strings.HasPrefix(mimeType, "video/"):
		return relay.FileVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return relay.FileAudio
	default:
		return relay.FileDocument
	}
}
