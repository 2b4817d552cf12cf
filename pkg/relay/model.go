// Copyright 2024-2026 Aiku AI

// Package relay is the platform independent core of the bridge: the event
// model shared by all portals, the Portal capability interface and the
// loop that fans events out between portals.
package relay

import (
	"strconv"

	"github.com/aiku/relaybridge/pkg/richtext"
)

// MessageID is the bridge's own identifier for a logical message. It is
// assigned by the store, grows monotonically and is never reused.
type MessageID int64

// PortalID identifies a registered portal for the lifetime of the process.
// IDs are handed out in registration order starting at zero.
type PortalID uint64

func (id PortalID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type (
	// ExternMessageID is a platform native message id, meaningful only
	// within one portal.
	ExternMessageID string
	// ExternAuthorID is a platform native user id.
	ExternAuthorID string
)

type Author struct {
	Username    string
	DisplayName string
	AvatarURL   string
}

// Name returns the display name, falling back to the username.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

type FileKind int

const (
	FileDocument FileKind = iota
	FileImage
	FileVideo
	FileAudio
)

// File is one attachment. Data holds the bytes when the source portal
// downloaded them; otherwise URL points at the original.
type File struct {
	Name     string
	Kind     FileKind
	MimeType string
	URL      string
	Data     []byte
}

// ForwardInfo describes where a forwarded message came from. A zero value
// means the origin is unknown.
type ForwardInfo struct {
	Author *Author
	Name   string
}

// MessageData is the content of a message.
type MessageData struct {
	Author        Author
	Content       richtext.Node
	Attachments   []File
	ForwardedFrom *ForwardInfo
}

// ReplyTo points at the message being replied to. MessageID is always in
// the namespace of the portal that sees the struct: the source portal's id
// on inbound events, the target portal's mirror on outbound messages. Data
// echoes the replied-to content.
type ReplyTo struct {
	MessageID ExternMessageID
	Data      *MessageData
}

type MessageMeta struct {
	ReplyTo *ReplyTo
	// HasAttachments is set by the relay on edits from what the store
	// recorded when the message was first seen.
	HasAttachments bool
}

type Message struct {
	Meta MessageMeta
	Data MessageData
}

type Reaction struct {
	Author  Author
	Content string
}

// EventKind is one of MessageSent, MessageDeleted, MessageEdited,
// ReactionAdded and ReactionRemoved.
type EventKind interface {
	eventKind()
	String() string
}

type (
	MessageSent struct{ Message Message }
	// MessageDeleted carries nothing beyond the event's message id.
	MessageDeleted struct{}
	// MessageEdited holds the new content. From is the previous version
	// when the platform reports it.
	MessageEdited struct {
		From *Message
		To   Message
	}
	ReactionAdded   struct{ Reaction Reaction }
	ReactionRemoved struct{ Reaction Reaction }
)

func (MessageSent) eventKind()     {}
func (MessageDeleted) eventKind()  {}
func (MessageEdited) eventKind()   {}
func (ReactionAdded) eventKind()   {}
func (ReactionRemoved) eventKind() {}

func (MessageSent) String() string     { return "message" }
func (MessageDeleted) String() string  { return "message_delete" }
func (MessageEdited) String() string   { return "message_edit" }
func (ReactionAdded) String() string   { return "reaction_add" }
func (ReactionRemoved) String() string { return "reaction_remove" }

// Event is something that happened on one platform. MessageID is the
// source platform's id of the message the event is about.
type Event struct {
	AuthorID  ExternAuthorID
	MessageID ExternMessageID
	Kind      EventKind
}

// SourcedEvent is an event tagged with the portal that observed it.
type SourcedEvent struct {
	Source PortalID
	Event  Event
}
