package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type recordingNetwork struct {
	mu        sync.Mutex
	published []relaychat.Record
	forgotten []relaychat.EntityRef
}

func (n *recordingNetwork) Publish(ctx context.Context, rec relaychat.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, rec)
	return nil
}

func (n *recordingNetwork) Forget(ctx context.Context, ref relaychat.EntityRef) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forgotten = append(n.forgotten, ref)
	return nil
}

type stubChatClient struct {
	workspace relaychat.Workspace
	messages  map[string]relaychat.ChannelMessage
	users     map[string]relaychat.User
	channels  map[string]relaychat.Channel
}

func (c *stubChatClient) WorkspaceInfo(ctx context.Context) (relaychat.Workspace, error) {
	return c.workspace, nil
}

func (c *stubChatClient) ListChannels(ctx context.Context, cursor string) (relaychat.ChannelPage, error) {
	return relaychat.ChannelPage{}, nil
}

func (c *stubChatClient) ChannelHistory(ctx context.Context, channelID, oldest, cursor string) (relaychat.MessagePage, error) {
	return relaychat.MessagePage{}, nil
}

func (c *stubChatClient) ThreadReplies(ctx context.Context, channelID, threadTS, cursor string) (relaychat.MessagePage, error) {
	return relaychat.MessagePage{}, nil
}

func (c *stubChatClient) ChannelInfo(ctx context.Context, channelID string) (relaychat.Channel, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return relaychat.Channel{}, fmt.Errorf("%w: channel %s", relaychat.ErrNotFound, channelID)
	}
	return ch, nil
}

func (c *stubChatClient) UserInfo(ctx context.Context, userID string) (relaychat.User, error) {
	u, ok := c.users[userID]
	if !ok {
		return relaychat.User{}, fmt.Errorf("%w: user %s", relaychat.ErrNotFound, userID)
	}
	return u, nil
}

func (c *stubChatClient) MessageAt(ctx context.Context, channelID, ts string) (relaychat.ChannelMessage, error) {
	msg, ok := c.messages[channelID+"|"+ts]
	if !ok {
		return relaychat.ChannelMessage{}, fmt.Errorf("%w: message %s in %s", relaychat.ErrNotFound, ts, channelID)
	}
	return msg, nil
}

type testHarness struct {
	server  *Server
	network *recordingNetwork
}

func newTestServer(t *testing.T, signingSecret string, channels ...string) *testHarness {
	t.Helper()
	network := &recordingNetwork{}
	normalizer, err := relaychat.NewNormalizer(network, relaychat.NewAllowlist(channels), nil)
	if err != nil {
		t.Fatalf("NewNormalizer failed: %v", err)
	}
	client := &stubChatClient{
		workspace: relaychat.Workspace{ID: "T1", Name: "acme"},
		messages: map[string]relaychat.ChannelMessage{
			"C1|1.000100": {Type: "message", TS: "1.000100", User: "U1", Text: "hello"},
		},
		users:    map[string]relaychat.User{"U1": {ID: "U1", Name: "pat"}},
		channels: map[string]relaychat.Channel{"C1": {ID: "C1", Name: "general"}},
	}
	resolver, err := relaychat.NewResolver(client, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	server, err := NewServer(ServerOptions{
		Normalizer:    normalizer,
		Resolver:      resolver,
		SigningSecret: signingSecret,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testHarness{server: server, network: network}
}

func signedEventRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte("v0:" + timestamp + ":"))
		mac.Write(body)
		req.Header.Set("X-Slack-Request-Timestamp", timestamp)
		req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	}
	return req
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, "")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestURLVerificationChallenge(t *testing.T) {
	h := newTestServer(t, "secret")
	body := []byte(`{"type":"url_verification","challenge":"challenge-token"}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "secret", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp["challenge"] != "challenge-token" {
		t.Fatalf("challenge = %q", resp["challenge"])
	}
}

func TestEventCallbackPublishes(t *testing.T) {
	h := newTestServer(t, "secret", "C1")
	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type":"message","channel":"C1","user":"U1","text":"hi","ts":"1.000100","event_ts":"1.000100"}
	}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "secret", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(h.network.published) != 1 {
		t.Fatalf("published %d records, want 1", len(h.network.published))
	}
	got := h.network.published[0].Ref.String()
	if got != "slack.message:T1/C1/1.000100" {
		t.Fatalf("ref = %s", got)
	}
}

func TestEventCallbackFillsTeamFromEnvelope(t *testing.T) {
	h := newTestServer(t, "", "C1")
	body := []byte(`{
		"type": "event_callback",
		"team_id": "T-ENV",
		"event": {"type":"message","channel":"C1","user":"U1","ts":"1.000100"}
	}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(h.network.published) != 1 {
		t.Fatalf("published %d records, want 1", len(h.network.published))
	}
	if h.network.published[0].Ref.WorkspaceID != "T-ENV" {
		t.Fatalf("workspace = %s, want envelope fallback", h.network.published[0].Ref.WorkspaceID)
	}
}

func TestEventCallbackRejectsBadSignature(t *testing.T) {
	h := newTestServer(t, "secret", "C1")
	body := []byte(`{"type":"event_callback","team_id":"T1","event":{"type":"message","channel":"C1","ts":"1.0"}}`)
	req := signedEventRequest(t, "wrong-secret", body)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(h.network.published) != 0 {
		t.Fatal("forged request must not publish")
	}
}

func TestEventCallbackRejectsStaleTimestamp(t *testing.T) {
	h := newTestServer(t, "secret", "C1")
	body := []byte(`{"type":"event_callback","team_id":"T1","event":{"type":"message","channel":"C1","ts":"1.0"}}`)

	timestamp := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))

	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for replayed timestamp", rec.Code)
	}
}

func TestEventCallbackDropsUnobservedChannel(t *testing.T) {
	h := newTestServer(t, "", "C1")
	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type":"message","channel":"C9","user":"U1","ts":"1.000100"}
	}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, drop is still an ack", rec.Code)
	}
	if len(h.network.published) != 0 {
		t.Fatal("out-of-allowlist event must not publish")
	}
}

func TestEventCallbackValidatesSchema(t *testing.T) {
	h := newTestServer(t, "", "C1")
	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type":"reaction_added","channel":"C1","ts":"1.000100"}
	}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for non-message event", rec.Code)
	}
}

func TestEventCallbackDeleteForgets(t *testing.T) {
	h := newTestServer(t, "", "C1")
	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"subtype": "message_deleted",
			"channel": "C1",
			"ts": "2.000000",
			"previous_message": {"type":"message","team":"T1","ts":"1.000100"}
		}
	}`)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, signedEventRequest(t, "", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(h.network.forgotten) != 1 {
		t.Fatalf("forgotten %d refs, want 1", len(h.network.forgotten))
	}
	if h.network.forgotten[0].String() != "slack.message:T1/C1/1.000100" {
		t.Fatalf("forgot %s", h.network.forgotten[0])
	}
}

func TestRecordsFetchResolvesMissing(t *testing.T) {
	h := newTestServer(t, "")
	body := []byte(`{"refs":[
		"slack.message:T1/C1/1.000100",
		"slack.user:T1/U404",
		"slack.reaction:T1/C1",
		"not-a-ref"
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/net/records/fetch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Records  []relaychat.Record `json:"records"`
		NotFound []struct {
			Ref    string `json:"ref"`
			Reason string `json:"reason"`
		} `json:"notFound"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("records = %v, want the resolvable message only", resp.Records)
	}
	if resp.Records[0].Contents["text"] != "hello" {
		t.Fatalf("record contents = %v", resp.Records[0].Contents)
	}
	if len(resp.NotFound) != 3 {
		t.Fatalf("notFound = %v, want three misses", resp.NotFound)
	}
	for _, miss := range resp.NotFound {
		if miss.Reason == "" {
			t.Fatalf("miss %q has no reason", miss.Ref)
		}
	}
}

func TestRecordsFetchRequiresRefs(t *testing.T) {
	h := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/net/records/fetch", bytes.NewReader([]byte(`{"refs":[]}`)))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestScanStatusWithoutScan(t *testing.T) {
	h := newTestServer(t, "")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/scan", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with no scan attached", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newTestServer(t, "")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
