// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/richtext"
	"github.com/aiku/relaybridge/pkg/richtext/markdownfmt"
)

// Message posts msg as a single post with its files attached.
func (p *Portal) Message(ctx context.Context, msg relay.Message) ([]relay.ExternMessageID, error) {
	post := &model.Post{ChannelId: p.cfg.ChannelID}
	content := p.attribute(msg.Data)

	if reply := msg.Meta.ReplyTo; reply != nil {
		root, err := p.threadRoot(ctx, string(reply.MessageID))
		switch {
		case err == nil:
			post.RootId = root
		case reply.Data != nil:
			p.log.Warn().Err(err).Str("reply_to", string(reply.MessageID)).Msg("Reply target unavailable, quoting inline")
			content = relay.InlineReply(content, *reply.Data)
		default:
			p.log.Warn().Err(err).Str("reply_to", string(reply.MessageID)).Msg("Reply target unavailable, posting without thread")
		}
	}

	var links []string
	for _, f := range msg.Data.Attachments {
		if len(f.Data) == 0 {
			if richtext.SafeURL(f.URL) {
				links = append(links, markdownfmt.Render(richtext.Hyperlink{Text: f.Name, URL: f.URL}))
			}
			continue
		}
		fileID, err := p.uploadFile(ctx, f)
		if err != nil {
			return nil, err
		}
		post.FileIds = append(post.FileIds, fileID)
	}
	post.Message = joinText(markdownfmt.Render(content), links)
	if post.Message == "" && len(post.FileIds) == 0 {
		return nil, nil
	}
	p.overrideAuthor(post, msg.Data.Author)

	var created *model.Post
	err := p.do(ctx, "create post", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		created, resp, err = p.client.CreatePost(ctx, post)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return []relay.ExternMessageID{relay.ExternMessageID(created.Id)}, nil
}

// MessageEdit replaces the text of a post. Attached files stay as they are.
func (p *Portal) MessageEdit(ctx context.Context, id relay.ExternMessageID, _ *relay.Message, to relay.Message) error {
	text := markdownfmt.Render(p.attribute(to.Data))
	return p.do(ctx, "edit post", func(ctx context.Context) (*model.Response, error) {
		_, resp, err := p.client.PatchPost(ctx, string(id), &model.PostPatch{Message: &text})
		return resp, err
	})
}

// MessageDelete deletes a post. A post that is already gone counts as
// deleted.
func (p *Portal) MessageDelete(ctx context.Context, id relay.ExternMessageID) error {
	return p.ignoreNotFound(p.do(ctx, "delete post", func(ctx context.Context) (*model.Response, error) {
		return p.client.DeletePost(ctx, string(id))
	}))
}

func (p *Portal) ReactionAdd(ctx context.Context, id relay.ExternMessageID, reaction relay.Reaction) error {
	r := &model.Reaction{
		UserId:    p.userID,
		PostId:    string(id),
		EmojiName: nameFromEmoji(reaction.Content),
	}
	return p.do(ctx, "add reaction", func(ctx context.Context) (*model.Response, error) {
		_, resp, err := p.client.SaveReaction(ctx, r)
		return resp, err
	})
}

// ReactionRemove removes the bot's reaction. Removing a reaction that is
// not there succeeds.
func (p *Portal) ReactionRemove(ctx context.Context, id relay.ExternMessageID, reaction relay.Reaction) error {
	r := &model.Reaction{
		UserId:    p.userID,
		PostId:    string(id),
		EmojiName: nameFromEmoji(reaction.Content),
	}
	return p.ignoreNotFound(p.do(ctx, "remove reaction", func(ctx context.Context) (*model.Response, error) {
		return p.client.DeleteReaction(ctx, r)
	}))
}

// attribute renders the sender into the content unless posts carry the
// author through a username override.
func (p *Portal) attribute(data relay.MessageData) richtext.Node {
	if p.cfg.UsernameOverride {
		return relay.Attribute(data, "")
	}
	return relay.Attribute(data, data.Author.Name())
}

func (p *Portal) overrideAuthor(post *model.Post, author relay.Author) {
	if !p.cfg.UsernameOverride {
		return
	}
	post.AddProp("override_username", author.Name())
	if author.AvatarURL != "" {
		post.AddProp("override_icon_url", author.AvatarURL)
	}
	post.AddProp("from_webhook", "true")
}

// threadRoot returns the root of the thread postID belongs to. Mattermost
// only accepts thread roots as RootId.
func (p *Portal) threadRoot(ctx context.Context, postID string) (string, error) {
	var target *model.Post
	err := p.do(ctx, "get post", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		target, resp, err = p.client.GetPost(ctx, postID, "")
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if target.RootId != "" {
		return target.RootId, nil
	}
	return target.Id, nil
}

func (p *Portal) uploadFile(ctx context.Context, f relay.File) (string, error) {
	name := f.Name
	if name == "" {
		name = "upload"
	}
	var uploaded *model.FileUploadResponse
	err := p.do(ctx, "upload file", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		uploaded, resp, err = p.client.UploadFile(ctx, f.Data, p.cfg.ChannelID, name)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if len(uploaded.FileInfos) == 0 {
		return "", fmt.Errorf("no file info returned from upload of %q", name)
	}
	return uploaded.FileInfos[0].Id, nil
}

func (p *Portal) ignoreNotFound(err error) error {
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		p.log.Debug().Err(err).Msg("Target already gone")
		return nil
	}
	return err
}

func joinText(text string, links []string) string {
	if len(links) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(links, "\n")
	}
	return text + "\n" + strings.Join(links, "\n")
}
