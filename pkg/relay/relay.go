// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultEventBuffer is the capacity of the channel portals send events on.
const DefaultEventBuffer = 16

// Relay receives events from every registered portal and replays them on
// all the others.
type Relay struct {
	store   Store
	log     zerolog.Logger
	buffer  int
	metrics *Metrics

	mu      sync.RWMutex
	portals []Portal
}

type Option func(*Relay)

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithMetrics records relay activity in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func New(store Store, log zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:  store,
		log:    log.With().Str("component", "relay").Logger(),
		buffer: DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a portal and returns the id it will be started with.
// Portals must be registered before Run.
func (r *Relay) Register(p Portal) PortalID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portals = append(r.portals, p)
	return PortalID(len(r.portals) - 1)
}

// Run starts every portal and handles their events one at a time until
// ctx is done. An event that is being handled when ctx is cancelled is
// finished first.
func (r *Relay) Run(ctx context.Context) error {
	events := make(chan SourcedEvent, r.buffer)
	r.mu.RLock()
	portals := r.portals
	r.mu.RUnlock()
	for i, p := range portals {
		id := PortalID(i)
		if err := p.Start(ctx, id, events); err != nil {
			return fmt.Errorf("failed to start portal %s: %w", r.portalName(id), err)
		}
		r.log.Info().Stringer("portal", id).Str("name", r.portalName(id)).Msg("Portal started")
	}

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Relay loop stopped")
			return nil
		case evt := <-events:
			r.dispatch(context.WithoutCancel(ctx), evt)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, evt SourcedEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Any("panic", p).
				Stringer("source", evt.Source).
				Stringer("kind", evt.Event.Kind).
				Msg("Panic while relaying event")
		}
	}()
	err := r.HandleEvent(ctx, evt.Source, evt.Event)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// Already logged as having no counterpart.
	default:
		r.log.Err(err).
			Stringer("source", evt.Source).
			Stringer("kind", evt.Event.Kind).
			Str("message_id", string(evt.Event.MessageID)).
			Msg("Failed to relay event")
	}
}

// HandleEvent relays one event observed on portal source to every other
// portal. Failing portals are reported together in a *FanoutError; the
// others still receive the event.
func (r *Relay) HandleEvent(ctx context.Context, source PortalID, evt Event) error {
	if evt.Kind == nil {
		return fmt.Errorf("event %s from portal %d has no kind", evt.MessageID, source)
	}
	started := time.Now()
	defer r.metrics.observeEvent(evt.Kind.String(), started)

	if sent, ok := evt.Kind.(MessageSent); ok {
		return r.handleMessage(ctx, source, evt, sent.Message)
	}

	id, err := r.store.MessageID(ctx, evt.MessageID, source)
	if errors.Is(err, ErrNotFound) {
		r.log.Debug().
			Stringer("source", source).
			Stringer("kind", evt.Kind).
			Str("message_id", string(evt.MessageID)).
			Msg("No known counterpart for event, dropping")
		return fmt.Errorf("message %s on portal %d: %w", evt.MessageID, source, err)
	} else if err != nil {
		return fmt.Errorf("failed to resolve message %s: %w", evt.MessageID, err)
	}

	switch kind := evt.Kind.(type) {
	case MessageDeleted:
		return r.handleDelete(ctx, source, id)
	case MessageEdited:
		return r.handleEdit(ctx, source, id, kind)
	case ReactionAdded:
		return r.handleReaction(ctx, source, id, evt.AuthorID, kind.Reaction, true)
	case ReactionRemoved:
		return r.handleReaction(ctx, source, id, evt.AuthorID, kind.Reaction, false)
	default:
		return fmt.Errorf("unsupported event kind %T", evt.Kind)
	}
}

func (r *Relay) handleMessage(ctx context.Context, source PortalID, evt Event, msg Message) error {
	id, err := r.store.InsertMappedMessage(ctx, msg, source, evt.MessageID)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", evt.MessageID, err)
	}

	reply := msg.Meta.ReplyTo
	var replyID MessageID
	if reply != nil {
		replyID, err = r.store.MessageID(ctx, reply.MessageID, source)
		if errors.Is(err, ErrNotFound) {
			r.log.Debug().Str("reply_to", string(reply.MessageID)).Msg("Reply target not mirrored, quoting it inline")
			replyID = 0
		} else if err != nil {
			return fmt.Errorf("failed to resolve reply target: %w", err)
		}
	}

	return r.fanout(ctx, source, func(ctx context.Context, target PortalID, p Portal) error {
		out := Message{Data: msg.Data, Meta: MessageMeta{HasAttachments: len(msg.Data.Attachments) > 0}}
		if reply != nil {
			var mirror ExternMessageID
			if replyID != 0 {
				m, err := r.firstMirror(ctx, replyID, target)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				mirror = m
			}
			switch {
			case mirror != "":
				out.Meta.ReplyTo = &ReplyTo{MessageID: mirror, Data: reply.Data}
			case reply.Data != nil:
				out.Data.Content = InlineReply(out.Data.Content, *reply.Data)
			}
		}
		// A portal that fails halfway still reports the copies it made, and
		// those need mappings so a later delete can find them.
		ids, sendErr := p.Message(ctx, out)
		for _, ext := range ids {
			if err := r.store.AddMessageMapping(ctx, id, target, ext); err != nil {
				return errors.Join(sendErr, fmt.Errorf("failed to map %s: %w", ext, err))
			}
		}
		return sendErr
	})
}

// handleDelete removes the mirrors on every portal. When every portal
// succeeded the message is forgotten. Otherwise only the mappings of the
// portals that deleted their mirrors go away: the source mapping stays so
// the same delete can be replayed and reaches just the failed portals.
func (r *Relay) handleDelete(ctx context.Context, source PortalID, id MessageID) error {
	fanErr := r.fanout(ctx, source, func(ctx context.Context, target PortalID, p Portal) error {
		exts, err := r.store.ExternIDs(ctx, id, target)
		if err != nil {
			return err
		}
		for _, ext := range exts {
			if err := p.MessageDelete(ctx, ext); err != nil {
				return fmt.Errorf("failed to delete %s: %w", ext, err)
			}
		}
		return nil
	})

	var fe *FanoutError
	if fanErr != nil && !errors.As(fanErr, &fe) {
		return fanErr
	}
	if fe == nil {
		if err := r.store.DeleteMessage(ctx, id); err != nil {
			return fmt.Errorf("failed to delete message %d: %w", id, err)
		}
		return nil
	}
	var done []PortalID
	for _, target := range r.targets(source) {
		if !fe.Failed(target) {
			done = append(done, target)
		}
	}
	if err := r.store.DeleteMappings(ctx, id, done...); err != nil {
		return errors.Join(fanErr, fmt.Errorf("failed to delete mappings of %d: %w", id, err))
	}
	return fanErr
}

// handleReaction records the reaction and mirrors it on every portal where
// it changes what the bridge shows. The bridge shows an emoji on a portal
// while at least one user on another portal holds it, so an add is
// forwarded to a portal when it is the first such holder and a removal
// when it was the last one.
func (r *Relay) handleReaction(ctx context.Context, source PortalID, id MessageID, author ExternAuthorID, reaction Reaction, add bool) error {
	var holders ReactionCounts
	var changed bool
	var err error
	if add {
		holders, changed, err = r.store.AddReaction(ctx, id, source, author, reaction.Content)
	} else {
		holders, changed, err = r.store.RemoveReaction(ctx, id, source, author, reaction.Content)
	}
	if err != nil {
		return fmt.Errorf("failed to record reaction on %d: %w", id, err)
	}
	if !changed {
		return nil
	}
	want := 0
	if add {
		want = 1
	}
	return r.fanoutFirstMirror(ctx, source, id, func(ctx context.Context, target PortalID, p Portal, ext ExternMessageID) error {
		if holders.Outside(target) != want {
			return nil
		}
		if add {
			return p.ReactionAdd(ctx, ext, reaction)
		}
		return p.ReactionRemove(ctx, ext, reaction)
	})
}

func (r *Relay) handleEdit(ctx context.Context, source PortalID, id MessageID, edit MessageEdited) error {
	rec, err := r.store.Message(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load message %d: %w", id, err)
	}
	to := edit.To
	to.Meta.HasAttachments = rec.HasAttachments
	var from *Message
	if edit.From != nil {
		prev := *edit.From
		prev.Meta.HasAttachments = rec.HasAttachments
		from = &prev
	}
	return r.fanoutFirstMirror(ctx, source, id, func(ctx context.Context, _ PortalID, p Portal, ext ExternMessageID) error {
		return p.MessageEdit(ctx, ext, from, to)
	})
}

// fanoutFirstMirror calls fn with the first mirror of id on every other
// portal. Portals without a mirror are skipped.
func (r *Relay) fanoutFirstMirror(ctx context.Context, source PortalID, id MessageID, fn func(ctx context.Context, target PortalID, p Portal, ext ExternMessageID) error) error {
	return r.fanout(ctx, source, func(ctx context.Context, target PortalID, p Portal) error {
		ext, err := r.firstMirror(ctx, id, target)
		if errors.Is(err, ErrNotFound) {
			r.log.Debug().Stringer("portal", target).Int64("message", int64(id)).Msg("No mirror on portal, skipping")
			return nil
		} else if err != nil {
			return err
		}
		return fn(ctx, target, p, ext)
	})
}

func (r *Relay) firstMirror(ctx context.Context, id MessageID, portal PortalID) (ExternMessageID, error) {
	exts, err := r.store.ExternIDs(ctx, id, portal)
	if err != nil {
		return "", err
	}
	switch len(exts) {
	case 0:
		return "", fmt.Errorf("message %d on portal %d: %w", id, portal, ErrNotFound)
	case 1:
	default:
		r.log.Debug().Stringer("portal", portal).Int("count", len(exts)).Msg("Several mirrors known, using the first")
	}
	return exts[0], nil
}

// fanout runs fn concurrently for every portal except source and waits for
// all of them. A failing portal never cancels the others.
func (r *Relay) fanout(ctx context.Context, source PortalID, fn func(ctx context.Context, target PortalID, p Portal) error) error {
	r.mu.RLock()
	portals := r.portals
	r.mu.RUnlock()

	errs := make([]error, len(portals))
	var g errgroup.Group
	for i, p := range portals {
		target := PortalID(i)
		if target == source {
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, target, p)
			return nil
		})
	}
	_ = g.Wait()

	var fe FanoutError
	for i, err := range errs {
		if err == nil {
			continue
		}
		id := PortalID(i)
		name := r.portalName(id)
		r.metrics.portalFailed(name)
		r.log.Warn().Err(err).Stringer("portal", id).Str("name", name).Msg("Portal failed to apply event")
		fe.Failures = append(fe.Failures, &PortalFailure{Portal: id, Name: name, Err: err})
	}
	if len(fe.Failures) > 0 {
		return &fe
	}
	return nil
}

func (r *Relay) targets(source PortalID) []PortalID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PortalID, 0, len(r.portals))
	for i := range r.portals {
		if PortalID(i) != source {
			out = append(out, PortalID(i))
		}
	}
	return out
}

func (r *Relay) portalName(id PortalID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < len(r.portals) {
		if n, ok := r.portals[id].(Named); ok {
			return n.Name()
		}
	}
	return "portal-" + id.String()
}
