// Package testinfra runs end-to-end tests against a real Synapse and
// Mattermost pair with a relaybridge instance relaying between one Matrix
// room and one Mattermost channel.
//
// Covers: bidirectional messages, replies, edits, deletions, reactions,
// echo prevention and the admin API.
//
// The tests are skipped unless the environment describes a running stack:
//
//	MATRIX_URL, MATRIX_TOKEN, MATRIX_ROOM_ID
//	MM_URL, MM_TOKEN, MM_CHANNEL_ID
//	BRIDGE_ADMIN_URL (default http://localhost:29320)
//
// MATRIX_TOKEN and MM_TOKEN must belong to ordinary users, not to the
// accounts the bridge itself logs in with, or the bridge ignores them.
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Shared state
// ────────────────────────────────────────────────────────────────────

const relayTimeout = 30 * time.Second

var (
	matrixURL      string
	matrixToken    string
	matrixRoomID   string
	mmURL          string
	mmToken        string
	mmChannelID    string
	bridgeAdminURL string
)

func TestMain(m *testing.M) {
	matrixURL = envOr("MATRIX_URL", "http://localhost:18008")
	matrixToken = os.Getenv("MATRIX_TOKEN")
	matrixRoomID = os.Getenv("MATRIX_ROOM_ID")
	mmURL = envOr("MM_URL", "http://localhost:18065")
	mmToken = os.Getenv("MM_TOKEN")
	mmChannelID = os.Getenv("MM_CHANNEL_ID")
	bridgeAdminURL = envOr("BRIDGE_ADMIN_URL", "http://localhost:29320")

	if matrixToken == "" || matrixRoomID == "" || mmToken == "" || mmChannelID == "" {
		fmt.Println("SKIP: MATRIX_TOKEN, MATRIX_ROOM_ID, MM_TOKEN and MM_CHANNEL_ID required")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	code, raw := doRaw(t, method, url, body, token)
	var result map[string]any
	json.Unmarshal(raw, &result) //nolint:errcheck
	return code, result
}

func doRaw(t testing.TB, method, url string, body any, token string) (int, []byte) {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, raw
}

func poll[T any](t *testing.T, what string, fetch func() (T, bool)) T {
	t.Helper()
	deadline := time.Now().Add(relayTimeout)
	for time.Now().Before(deadline) {
		if v, ok := fetch(); ok {
			return v
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("%s not seen within %v", what, relayTimeout)
	var zero T
	return zero
}

// ────────────────────────────────────────────────────────────────────
// Matrix helpers
// ────────────────────────────────────────────────────────────────────

func matrixRoomURL(path string) string {
	return fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/%s", matrixURL, url.PathEscape(matrixRoomID), path)
}

func sendMatrix(t *testing.T, eventType string, content map[string]any) string {
	t.Helper()
	txnID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	code, resp := doJSON(t, "PUT", matrixRoomURL("send/"+eventType+"/"+txnID), content, matrixToken)
	if code != 200 {
		t.Fatalf("send %s: %d %v", eventType, code, resp)
	}
	return resp["event_id"].(string)
}

func sendMatrixMsg(t *testing.T, message string) string {
	t.Helper()
	return sendMatrix(t, "m.room.message", map[string]any{"msgtype": "m.text", "body": message})
}

func sendMatrixReply(t *testing.T, message, replyToID string) string {
	t.Helper()
	return sendMatrix(t, "m.room.message", map[string]any{
		"msgtype": "m.text",
		"body":    message,
		"m.relates_to": map[string]any{
			"m.in_reply_to": map[string]string{"event_id": replyToID},
		},
	})
}

func sendMatrixReaction(t *testing.T, targetEventID, emoji string) string {
	t.Helper()
	return sendMatrix(t, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": targetEventID,
			"key":      emoji,
		},
	})
}

func getMatrixEvents(t *testing.T) []map[string]any {
	t.Helper()
	code, resp := doJSON(t, "GET", matrixRoomURL("messages?dir=b&limit=50"), nil, matrixToken)
	if code != 200 {
		t.Fatalf("messages: %d %v", code, resp)
	}
	chunk, _ := resp["chunk"].([]any)
	var events []map[string]any
	for _, c := range chunk {
		if m, ok := c.(map[string]any); ok {
			events = append(events, m)
		}
	}
	return events
}

func matrixBody(evt map[string]any) string {
	content, _ := evt["content"].(map[string]any)
	body, _ := content["body"].(string)
	return body
}

func findMatrixEvent(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	return poll(t, "Matrix event", func() (map[string]any, bool) {
		for _, evt := range getMatrixEvents(t) {
			if match(evt) {
				return evt, true
			}
		}
		return nil, false
	})
}

// ────────────────────────────────────────────────────────────────────
// Mattermost helpers
// ────────────────────────────────────────────────────────────────────

func getMMPosts(t *testing.T) []map[string]any {
	t.Helper()
	code, resp := doJSON(t, "GET", fmt.Sprintf("%s/api/v4/channels/%s/posts", mmURL, mmChannelID), nil, mmToken)
	if code != 200 {
		t.Fatalf("get MM posts: %d %v", code, resp)
	}
	order, _ := resp["order"].([]any)
	postsMap, _ := resp["posts"].(map[string]any)
	var posts []map[string]any
	for _, id := range order {
		idStr, _ := id.(string)
		if pm, ok := postsMap[idStr].(map[string]any); ok {
			posts = append(posts, pm)
		}
	}
	return posts
}

func findMMPost(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	return poll(t, "Mattermost post", func() (map[string]any, bool) {
		for _, p := range getMMPosts(t) {
			if match(p) {
				return p, true
			}
		}
		return nil, false
	})
}

func mmMessageContains(s string) func(map[string]any) bool {
	return func(p map[string]any) bool {
		msg, _ := p["message"].(string)
		return strings.Contains(msg, s)
	}
}

func postToMM(t *testing.T, rootID, message string) string {
	t.Helper()
	body := map[string]string{"channel_id": mmChannelID, "message": message}
	if rootID != "" {
		body["root_id"] = rootID
	}
	code, resp := doJSON(t, "POST", mmURL+"/api/v4/posts", body, mmToken)
	if code != 201 {
		t.Fatalf("MM post: %d %v", code, resp)
	}
	return resp["id"].(string)
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Admin API
// ════════════════════════════════════════════════════════════════════

func TestAdminAPIPruneMethodNotAllowed(t *testing.T) {
	code, _ := doRaw(t, "GET", bridgeAdminURL+"/api/prune", nil, "")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/prune: got %d, want 405", code)
	}
}

func TestAdminAPIPrune(t *testing.T) {
	code, resp := doJSON(t, "POST", bridgeAdminURL+"/api/prune", nil, "")
	if code != 200 && code != http.StatusConflict {
		t.Fatalf("POST /api/prune: %d %v", code, resp)
	}
	if code == 200 {
		if _, ok := resp["pruned"]; !ok {
			t.Errorf("prune response without pruned count: %v", resp)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Messages
// ════════════════════════════════════════════════════════════════════

func TestMatrixToMattermost(t *testing.T) {
	marker := fmt.Sprintf("TestM2MM-%d", time.Now().UnixNano())
	sendMatrixMsg(t, "Bridge test: "+marker)
	findMMPost(t, mmMessageContains(marker))
}

func TestMattermostToMatrix(t *testing.T) {
	marker := fmt.Sprintf("TestMM2M-%d", time.Now().UnixNano())
	postToMM(t, "", "Mattermost message: "+marker)
	findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), marker)
	})
}

func TestFormattingRelayedToMatrix(t *testing.T) {
	marker := fmt.Sprintf("fmt-%d", time.Now().UnixNano())
	postToMM(t, "", "**bold** "+marker)
	evt := findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), marker)
	})
	content, _ := evt["content"].(map[string]any)
	formatted, _ := content["formatted_body"].(string)
	if !strings.Contains(formatted, "<strong>bold</strong>") {
		t.Errorf("formatted_body: got %q, want it to contain <strong>bold</strong>", formatted)
	}
}

func TestMatrixReplyThreadedOnMattermost(t *testing.T) {
	marker := fmt.Sprintf("thread-%d", time.Now().UnixNano())
	parentID := sendMatrixMsg(t, "Original: "+marker)
	root := findMMPost(t, mmMessageContains("Original: "+marker))
	sendMatrixReply(t, "Reply: "+marker, parentID)
	reply := findMMPost(t, mmMessageContains("Reply: "+marker))
	if reply["root_id"] != root["id"] {
		t.Errorf("reply root_id: got %v, want %v", reply["root_id"], root["id"])
	}
}

func TestMattermostReplyRelatesOnMatrix(t *testing.T) {
	marker := fmt.Sprintf("mmthread-%d", time.Now().UnixNano())
	rootID := postToMM(t, "", "Root: "+marker)
	root := findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), "Root: "+marker)
	})
	postToMM(t, rootID, "Reply: "+marker)
	reply := findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), "Reply: "+marker)
	})
	content, _ := reply["content"].(map[string]any)
	rel, _ := content["m.relates_to"].(map[string]any)
	inReply, _ := rel["m.in_reply_to"].(map[string]any)
	if inReply["event_id"] != root["event_id"] {
		t.Errorf("in_reply_to: got %v, want %v", inReply["event_id"], root["event_id"])
	}
}

func TestEditRelayedToMatrix(t *testing.T) {
	marker := fmt.Sprintf("edit-%d", time.Now().UnixNano())
	postID := postToMM(t, "", "before "+marker)
	findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), "before "+marker)
	})

	code, resp := doJSON(t, "PUT", fmt.Sprintf("%s/api/v4/posts/%s/patch", mmURL, postID),
		map[string]string{"message": "after " + marker}, mmToken)
	if code != 200 {
		t.Fatalf("patch post: %d %v", code, resp)
	}
	findMatrixEvent(t, func(evt map[string]any) bool {
		content, _ := evt["content"].(map[string]any)
		newContent, _ := content["m.new_content"].(map[string]any)
		body, _ := newContent["body"].(string)
		return strings.Contains(body, "after "+marker)
	})
}

func TestDeleteRelayedToMattermost(t *testing.T) {
	marker := fmt.Sprintf("delete-%d", time.Now().UnixNano())
	eventID := sendMatrixMsg(t, "doomed "+marker)
	findMMPost(t, mmMessageContains(marker))

	txnID := fmt.Sprintf("redact-%d", time.Now().UnixNano())
	code, resp := doJSON(t, "PUT", matrixRoomURL("redact/"+eventID+"/"+txnID), map[string]string{}, matrixToken)
	if code != 200 {
		t.Fatalf("redact: %d %v", code, resp)
	}
	poll(t, "deletion on Mattermost", func() (struct{}, bool) {
		for _, p := range getMMPosts(t) {
			if mmMessageContains(marker)(p) {
				return struct{}{}, false
			}
		}
		return struct{}{}, true
	})
}

func TestReactionRelayedToMattermost(t *testing.T) {
	marker := fmt.Sprintf("react-%d", time.Now().UnixNano())
	eventID := sendMatrixMsg(t, "React to this "+marker)
	post := findMMPost(t, mmMessageContains(marker))
	sendMatrixReaction(t, eventID, "\U0001F44D")

	postID, _ := post["id"].(string)
	poll(t, "reaction on Mattermost", func() (struct{}, bool) {
		code, raw := doRaw(t, "GET", fmt.Sprintf("%s/api/v4/posts/%s/reactions", mmURL, postID), nil, mmToken)
		if code != 200 {
			return struct{}{}, false
		}
		var reactions []map[string]any
		json.Unmarshal(raw, &reactions) //nolint:errcheck
		for _, r := range reactions {
			if r["emoji_name"] == "+1" {
				return struct{}{}, true
			}
		}
		return struct{}{}, false
	})
}

func TestBidirectionalRapidFire(t *testing.T) {
	marker := fmt.Sprintf("rapid-%d", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		sendMatrixMsg(t, fmt.Sprintf("M2MM-%d-%s", i, marker))
		postToMM(t, "", fmt.Sprintf("MM2M-%d-%s", i, marker))
	}
	for i := 0; i < 3; i++ {
		findMMPost(t, mmMessageContains(fmt.Sprintf("M2MM-%d-%s", i, marker)))
		expected := fmt.Sprintf("MM2M-%d-%s", i, marker)
		findMatrixEvent(t, func(evt map[string]any) bool {
			return strings.Contains(matrixBody(evt), expected)
		})
	}
}

func TestNoEchoLoop(t *testing.T) {
	marker := fmt.Sprintf("echo-%d", time.Now().UnixNano())
	postToMM(t, "", marker)
	findMatrixEvent(t, func(evt map[string]any) bool {
		return strings.Contains(matrixBody(evt), marker)
	})

	// Give a looping bridge time to send the message back.
	time.Sleep(5 * time.Second)
	count := 0
	for _, p := range getMMPosts(t) {
		if mmMessageContains(marker)(p) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("marker posted %d times on Mattermost, want 1", count)
	}
}

func TestMetricsCountEvents(t *testing.T) {
	code, raw := doRaw(t, "GET", bridgeAdminURL+"/metrics", nil, "")
	if code != 200 {
		t.Fatalf("GET /metrics: %d", code)
	}
	if !strings.Contains(string(raw), "relaybridge_events_total") {
		t.Errorf("metrics do not include relaybridge_events_total")
	}
}
