// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/retry"
)

const (
	testChannel = "chan-1"
	testToken   = "test-token"
	botUserID   = "bot-user-id"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// failure makes matching requests fail with Status. Times limits how many
// requests fail; zero fails all of them.
type failure struct {
	Status int
	Times  int
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu      sync.Mutex
	calls   []endpointCall
	postSeq int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// Posts maps post ID to model.Post for GetPost.
	Posts map[string]*model.Post
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FileData maps file ID to its content.
	FileData map[string][]byte
	// FailEndpoints makes requests whose path contains the key fail.
	FailEndpoints map[string]*failure
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users: map[string]*model.User{
			botUserID: {Id: botUserID, Username: "relaybot"},
		},
		Posts:         make(map[string]*model.Post),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		FailEndpoints: make(map[string]*failure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls with the given method whose path contains path.
func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) shouldFail(path string) (int, bool) {
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
		return fl.Status, true
	}
	return 0, false
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	if status, ok := f.shouldFail(r.URL.Path); ok {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "fake error", "status_code": status})
		return
	}

	path := r.URL.Path
	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		if r.Header.Get("Authorization") != "Bearer "+testToken && r.Header.Get("Authorization") != "BEARER "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(f.Users[botUserID])

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.postSeq++
		post.Id = fmt.Sprintf("post-%d", f.postSeq)
		f.Posts[post.Id] = &post
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		_ = json.NewEncoder(w).Encode(&model.Post{Id: "patched"})

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/"):
		f.mu.Lock()
		post, ok := f.Posts[path[len("/api/v4/posts/"):]]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/reactions
	case r.Method == "POST" && path == "/api/v4/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		_ = json.NewEncoder(w).Encode(&reaction)

	// DELETE /api/v4/users/{user_id}/posts/{post_id}/reactions/{emoji_name}
	case r.Method == "DELETE" && strings.Contains(path, "/posts/") && strings.Contains(path, "/reactions/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.HasSuffix(path, "/info") && strings.Contains(path, "/files/"):
		parts := strings.Split(path, "/")
		if fi, ok := f.Files[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(fi)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/"):
		if data, ok := f.FileData[path[len("/api/v4/files/"):]]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/files (upload)
	case r.Method == "POST" && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postJSON(p *model.Post) string {
	b, _ := json.Marshal(p)
	return string(b)
}

// newTestPortal creates a portal talking to a fake server that is
// considered started, with a buffered event channel.
func newTestPortal(serverURL string, mutate ...func(*Config)) (*Portal, chan relay.SourcedEvent) {
	cfg := Config{
		ServerURL:           serverURL,
		Token:               testToken,
		ChannelID:           testChannel,
		DisplaynameTemplate: "{{.Username}}",
		RateLimit:           1000,
		RateBurst:           100,
		Retry:               retry.Config{Attempts: 3, InitialDelay: time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	p := New(cfg, zerolog.Nop())
	events := make(chan relay.SourcedEvent, 16)
	p.id = 3
	p.events = events
	p.userID = botUserID
	return p, events
}
