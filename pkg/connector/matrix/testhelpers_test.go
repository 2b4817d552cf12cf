// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/retry"
)

const (
	testRoom  = id.RoomID("!room:example.com")
	botUserID = id.UserID("@relaybot:example.com")
	testToken = "test-token"
)

type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// failure makes matching requests fail with Status and ErrCode. Times
// limits how many requests fail; zero fails all of them.
type failure struct {
	Status  int
	ErrCode string
	Times   int
}

// fakeHS is a test helper that wraps an httptest.Server simulating the
// parts of the Matrix client-server API the portal uses.
type fakeHS struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []endpointCall
	eventSeq int

	// Profiles maps user ID to display name.
	Profiles map[id.UserID]string
	// Events maps event ID to the raw event returned by GetEvent.
	Events map[id.EventID]map[string]any
	// Media maps "server/id" to downloadable content.
	Media map[string][]byte
	// FailEndpoints makes requests whose path contains the key fail.
	FailEndpoints map[string]*failure
}

func newFakeHS() *fakeHS {
	f := &fakeHS{
		Profiles:      make(map[id.UserID]string),
		Events:        make(map[id.EventID]map[string]any),
		Media:         make(map[string][]byte),
		FailEndpoints: make(map[string]*failure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHS) Close() {
	f.Server.Close()
}

func (f *fakeHS) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls with the given method whose path contains path.
func (f *fakeHS) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

// SentContent decodes the body of the n-th message send.
func (f *fakeHS) SentContent(n int) *event.MessageEventContent {
	calls := f.CallsTo("PUT", "/send/m.room.message/")
	if n >= len(calls) {
		return nil
	}
	var content event.MessageEventContent
	_ = json.Unmarshal([]byte(calls[n].Body), &content)
	return &content
}

func (f *fakeHS) shouldFail(path string) (*failure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix, fl := range f.FailEndpoints {
		if !strings.Contains(path, prefix) {
			continue
		}
		if fl.Times > 0 {
			fl.Times--
			if fl.Times == 0 {
				delete(f.FailEndpoints, prefix)
			}
		}
		return fl, true
	}
	return nil, false
}

func (f *fakeHS) nextEventID() id.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventSeq++
	return id.EventID(fmt.Sprintf("$ev%d", f.eventSeq))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	f.mu.Unlock()

	if fl, ok := f.shouldFail(r.URL.Path); ok {
		writeJSON(w, fl.Status, map[string]string{"errcode": fl.ErrCode, "error": "fake error"})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == "GET" && strings.HasSuffix(path, "/account/whoami"):
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": string(botUserID), "device_id": "DEV"})

	case r.Method == "GET" && strings.Contains(path, "/profile/"):
		userID := id.UserID(path[strings.Index(path, "/profile/")+len("/profile/"):])
		name, ok := f.Profiles[userID]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no profile"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": name})

	case r.Method == "PUT" && (strings.Contains(path, "/send/") || strings.Contains(path, "/redact/")):
		writeJSON(w, http.StatusOK, map[string]string{"event_id": string(f.nextEventID())})

	case r.Method == "GET" && strings.Contains(path, "/event/"):
		eventID := id.EventID(path[strings.Index(path, "/event/")+len("/event/"):])
		evt, ok := f.Events[eventID]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no event"})
			return
		}
		writeJSON(w, http.StatusOK, evt)

	case r.Method == "POST" && strings.HasSuffix(path, "/upload"):
		writeJSON(w, http.StatusOK, map[string]string{"content_uri": "mxc://example.com/uploaded"})

	case r.Method == "GET" && strings.Contains(path, "/download/"):
		key := path[strings.Index(path, "/download/")+len("/download/"):]
		data, ok := f.Media[key]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no media"})
			return
		}
		_, _ = w.Write(data)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "not found: " + path})
	}
}

// newTestPortal creates a portal talking to a fake homeserver that is
// considered started, with a buffered event channel.
func newTestPortal(homeserver string, mutate ...func(*Config)) (*Portal, chan relay.SourcedEvent) {
	cfg := Config{
		Homeserver:  homeserver,
		UserID:      botUserID,
		AccessToken: testToken,
		RoomID:      testRoom,
		RateLimit:   1000,
		RateBurst:   100,
		Retry:       retry.Config{Attempts: 3, InitialDelay: time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	p, err := New(cfg, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	events := make(chan relay.SourcedEvent, 16)
	p.id = 5
	p.events = events
	return p, events
}

// messageEvent builds a parsed room message as the syncer delivers it.
func messageEvent(eventID id.EventID, sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:      eventID,
		RoomID:  testRoom,
		Sender:  sender,
		Type:    event.EventMessage,
		Content: event.Content{Parsed: content},
	}
}
