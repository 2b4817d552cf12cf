// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// Portal connects the relay to one chat platform. Every method may fail;
// a failure only affects delivery to that portal.
type Portal interface {
	// ID returns the id passed to Start.
	ID() PortalID
	// Start begins listening for platform events and sends them on events
	// tagged with id. It must not block; listening runs until ctx is done.
	Start(ctx context.Context, id PortalID, events chan<- SourcedEvent) error
	// Message posts msg and returns the native ids it created, one per
	// native message when the platform splits text and attachments.
	Message(ctx context.Context, msg Message) ([]ExternMessageID, error)
	MessageDelete(ctx context.Context, id ExternMessageID) error
	MessageEdit(ctx context.Context, id ExternMessageID, from *Message, to Message) error
	ReactionAdd(ctx context.Context, id ExternMessageID, reaction Reaction) error
	ReactionRemove(ctx context.Context, id ExternMessageID, reaction Reaction) error
}

// Named is implemented by portals that have a human readable name for logs.
type Named interface {
	Name() string
}

// MessageRecord is what the store keeps about a message besides its
// mappings.
type MessageRecord struct {
	ID             MessageID
	CreatedAt      time.Time
	HasAttachments bool
}

// Store persists message identities and reaction state. Lookups that match
// nothing return ErrNotFound; storage failures are *PersistenceError.
type Store interface {
	// InsertMappedMessage records a new message together with its copy
	// extern on the portal it was first seen on, atomically.
	InsertMappedMessage(ctx context.Context, msg Message, portal PortalID, extern ExternMessageID) (MessageID, error)
	AddMessageMapping(ctx context.Context, id MessageID, portal PortalID, extern ExternMessageID) error
	MessageID(ctx context.Context, extern ExternMessageID, portal PortalID) (MessageID, error)
	ExternIDs(ctx context.Context, id MessageID, portal PortalID) ([]ExternMessageID, error)
	Message(ctx context.Context, id MessageID) (MessageRecord, error)
	DeleteMappings(ctx context.Context, id MessageID, portals ...PortalID) error
	DeleteMessage(ctx context.Context, id MessageID) error
	// AddReaction records that author on portal reacted with emoji and
	// returns who holds emoji afterwards. added is false for a reaction
	// that was already recorded.
	AddReaction(ctx context.Context, id MessageID, portal PortalID, author ExternAuthorID, emoji string) (holders ReactionCounts, added bool, err error)
	// RemoveReaction undoes AddReaction. removed is false when there was
	// nothing to undo.
	RemoveReaction(ctx context.Context, id MessageID, portal PortalID, author ExternAuthorID, emoji string) (holders ReactionCounts, removed bool, err error)
}

// ReactionCounts holds, per portal, how many users there reacted to a
// message with one emoji.
type ReactionCounts map[PortalID]int

// Outside returns how many users on portals other than p hold the
// reaction. The bridge shows the reaction on p exactly while this is
// positive.
func (c ReactionCounts) Outside(p PortalID) int {
	n := 0
	for portal, count := range c {
		if portal != p {
			n += count
		}
	}
	return n
}
