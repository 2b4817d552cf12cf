// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix is the portal for one Matrix room, driven by a plain
// client-server API sync loop.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/retry"
)

const (
	defaultRateLimit = 5
	resyncDelay      = 5 * time.Second
)

// reactionRef remembers what a reaction event pointed at so its redaction
// can be reported as a reaction removal.
type reactionRef struct {
	Target id.EventID
	Key    string
	Sender id.UserID
}

type sentKey struct {
	Target id.EventID
	Key    string
}

// Portal bridges one Matrix room.
type Portal struct {
	cfg     Config
	client  *mautrix.Client
	limiter *rate.Limiter
	policy  retry.Policy
	log     zerolog.Logger

	id     relay.PortalID
	events chan<- relay.SourcedEvent

	mu sync.Mutex
	// reactions indexes reaction events seen in the room.
	reactions *boundedMap[id.EventID, reactionRef]
	// sent holds the reaction events this portal sent.
	sent     *boundedMap[sentKey, id.EventID]
	profiles map[id.UserID]relay.Author
}

var (
	_ relay.Portal = (*Portal)(nil)
	_ relay.Named  = (*Portal)(nil)
)

// New creates a portal. cfg must have been post-processed.
func New(cfg Config, log zerolog.Logger) (*Portal, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = defaultRateLimit
	}
	log = log.With().Str("component", "matrix").Stringer("room_id", cfg.RoomID).Logger()
	client.Log = log
	return &Portal{
		cfg:       cfg,
		client:    client,
		limiter:   rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		policy:    cfg.Retry.Policy(),
		log:       log,
		reactions: newBoundedMap[id.EventID, reactionRef](maxTrackedReactions),
		sent:      newBoundedMap[sentKey, id.EventID](maxTrackedReactions),
		profiles:  make(map[id.UserID]relay.Author),
	}, nil
}

func (p *Portal) ID() relay.PortalID { return p.id }

func (p *Portal) Name() string { return "matrix:" + string(p.cfg.RoomID) }

// Start checks the access token and starts syncing. History from before
// the first sync is not relayed.
func (p *Portal) Start(ctx context.Context, id relay.PortalID, events chan<- relay.SourcedEvent) error {
	p.id = id
	p.events = events

	var whoami *mautrix.RespWhoami
	err := p.do(ctx, "verify session", func(ctx context.Context) error {
		var err error
		whoami, err = p.client.Whoami(ctx)
		return err
	})
	if err != nil {
		return err
	}
	p.client.UserID = whoami.UserID
	p.cfg.UserID = whoami.UserID
	p.log = p.log.With().Str("portal_id", id.String()).Logger()
	p.log.Info().Stringer("user_id", whoami.UserID).Msg("Authenticated")

	syncer := p.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(p.client.DontProcessOldEvents)
	for _, evtType := range []event.Type{event.EventMessage, event.EventSticker, event.EventReaction, event.EventRedaction} {
		syncer.OnEventType(evtType, p.handleEvent)
	}
	go p.sync(ctx)
	return nil
}

func (p *Portal) sync(ctx context.Context) {
	for {
		err := p.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		p.log.Error().Err(err).Msg("Sync stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resyncDelay):
		}
	}
}

// isRetryable reports whether a failed request may succeed when repeated:
// rate limiting, server errors and requests that got no response.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		return true
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Response == nil || httpErr.Response.StatusCode >= http.StatusInternalServerError
}

// do runs one request under the rate limiter with retries.
func (p *Portal) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	err := retry.Do(ctx, p.policy, isRetryable, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		err := call(ctx)
		if err != nil && isRetryable(err) {
			p.log.Debug().Err(err).Str("op", op).Msg("Retryable Matrix API error")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// author returns the cached profile of a room member. Lookup failures fall
// back to the user id.
func (p *Portal) author(ctx context.Context, userID id.UserID) relay.Author {
	p.mu.Lock()
	a, ok := p.profiles[userID]
	p.mu.Unlock()
	if ok {
		return a
	}
	a = relay.Author{Username: userID.Localpart()}
	var profile *mautrix.RespUserProfile
	err := p.do(ctx, "get profile", func(ctx context.Context) error {
		var err error
		profile, err = p.client.GetProfile(ctx, userID)
		return err
	})
	if err != nil {
		p.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to get profile")
		return a
	}
	a.DisplayName = profile.DisplayName
	if !profile.AvatarURL.IsEmpty() {
		a.AvatarURL = p.mediaURL(profile.AvatarURL)
	}
	p.mu.Lock()
	p.profiles[userID] = a
	p.mu.Unlock()
	return a
}

// mediaURL turns an mxc URI into a plain download link for other platforms.
func (p *Portal) mediaURL(uri id.ContentURI) string {
	return p.cfg.Homeserver + "/_matrix/media/v3/download/" + uri.Homeserver + "/" + uri.FileID
}
