// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost is the portal for one Mattermost channel. Inbound
// events arrive over the server's WebSocket; outbound operations use the
// REST API as a bot account.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/retry"
)

const (
	defaultRateLimit = 10
	reconnectDelay   = 5 * time.Second
)

// Portal bridges one Mattermost channel.
type Portal struct {
	cfg     Config
	client  *model.Client4
	limiter *rate.Limiter
	policy  retry.Policy
	log     zerolog.Logger

	id     relay.PortalID
	events chan<- relay.SourcedEvent
	userID string

	usersMu sync.Mutex
	users   map[string]*model.User
}

var (
	_ relay.Portal = (*Portal)(nil)
	_ relay.Named  = (*Portal)(nil)
)

// New creates a portal. cfg must have been post-processed.
func New(cfg Config, log zerolog.Logger) *Portal {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = defaultRateLimit
	}
	burst := max(cfg.RateBurst, 1)
	return &Portal{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		policy:  cfg.Retry.Policy(),
		log: log.With().
			Str("component", "mattermost").
			Str("channel_id", cfg.ChannelID).
			Logger(),
		users: make(map[string]*model.User),
	}
}

func (p *Portal) ID() relay.PortalID { return p.id }

func (p *Portal) Name() string { return "mattermost:" + p.cfg.ChannelID }

// Start verifies the token and starts the WebSocket listener. An invalid
// token fails Start; WebSocket failures are retried in the background.
func (p *Portal) Start(ctx context.Context, id relay.PortalID, events chan<- relay.SourcedEvent) error {
	p.id = id
	p.events = events

	var me *model.User
	err := p.do(ctx, "verify session", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		me, resp, err = p.client.GetMe(ctx, "")
		return resp, err
	})
	if err != nil {
		return err
	}
	p.userID = me.Id
	p.log = p.log.With().Str("portal_id", id.String()).Logger()
	p.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	go p.listen(ctx)
	return nil
}

// listen keeps a WebSocket connection open until ctx is done.
func (p *Portal) listen(ctx context.Context) {
	wsURL := httpToWS(p.cfg.ServerURL)
	for {
		ws, err := model.NewWebSocketClient4(wsURL, p.client.AuthToken)
		if err != nil {
			p.log.Error().Err(err).Str("ws_url", wsURL).Msg("WebSocket connection failed")
		} else {
			ws.Listen()
			p.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
			if !p.readEvents(ctx, ws) {
				return
			}
			p.log.Warn().Msg("WebSocket event channel closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// readEvents handles events until the connection drops. It returns false
// when ctx is done.
func (p *Portal) readEvents(ctx context.Context, ws *model.WebSocketClient) bool {
	defer ws.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return true
			}
			if evt == nil {
				continue
			}
			p.handleEvent(ctx, evt)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// apiError carries the HTTP status of a failed API call. Status is zero
// when no response was received.
type apiError struct {
	Status int
	Err    error
}

func (e *apiError) Error() string {
	if e.Status == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *apiError) Unwrap() error { return e.Err }

// isRetryable reports whether a failed call may succeed when repeated:
// transport errors, rate limiting and server errors.
func isRetryable(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == 0 || ae.Status == http.StatusTooManyRequests || ae.Status >= http.StatusInternalServerError
}

// do runs one API call under the rate limiter with retries.
func (p *Portal) do(ctx context.Context, op string, call func(ctx context.Context) (*model.Response, error)) error {
	err := retry.Do(ctx, p.policy, isRetryable, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := call(ctx)
		if err == nil {
			return nil
		}
		ae := &apiError{Err: err}
		if resp != nil {
			ae.Status = resp.StatusCode
		}
		if isRetryable(ae) {
			p.log.Debug().Err(err).Str("op", op).Msg("Retryable Mattermost API error")
		}
		return ae
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// user returns a cached user profile.
func (p *Portal) user(ctx context.Context, userID string) (*model.User, error) {
	p.usersMu.Lock()
	u, ok := p.users[userID]
	p.usersMu.Unlock()
	if ok {
		return u, nil
	}
	err := p.do(ctx, "get user", func(ctx context.Context) (*model.Response, error) {
		var resp *model.Response
		var err error
		u, resp, err = p.client.GetUser(ctx, userID, "")
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	p.usersMu.Lock()
	p.users[userID] = u
	p.usersMu.Unlock()
	return u, nil
}

// author describes a Mattermost user. Lookup failures fall back to the
// user id so the event is still relayed.
func (p *Portal) author(ctx context.Context, userID string) relay.Author {
	u, err := p.user(ctx, userID)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to get user info")
		return relay.Author{Username: userID}
	}
	return relay.Author{
		Username: u.Username,
		DisplayName: p.cfg.FormatDisplayname(DisplaynameParams{
			Username:  u.Username,
			Nickname:  u.Nickname,
			FirstName: u.FirstName,
			LastName:  u.LastName,
		}),
		AvatarURL: p.cfg.ServerURL + "/api/v4/users/" + u.Id + "/image",
	}
}
