package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/wirefab/wirefab/internal/auth"
	"github.com/wirefab/wirefab/internal/relay/history"
	"github.com/wirefab/wirefab/internal/wire"
)

func newTestRelay(t *testing.T, cfg Config) (*Relay, *httptest.Server) {
	t.Helper()
	r := New(cfg)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return r, srv
}

type testClient struct {
	conn    *websocket.Conn
	welcome wire.Welcome
}

// dial connects to the relay, consumes the welcome envelope, and returns the
// client. Fails the test if the handshake or welcome is missing.
func dial(t *testing.T, srv *httptest.Server, path string, hdr http.Header) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL+path, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	c := &testClient{conn: conn}
	frame := c.read(t)
	if err := json.Unmarshal(frame, &c.welcome); err != nil || c.welcome.Category != wire.CategoryWelcome {
		t.Fatalf("first frame is not a welcome: %s", frame)
	}
	return c
}

func (c *testClient) read(t *testing.T) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

func (c *testClient) send(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectNoFrame asserts nothing arrives within d. The cancelled read tears
// the connection down, so this must be the last use of the client.
func (c *testClient) expectNoFrame(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if _, frame, err := c.conn.Read(ctx); err == nil {
		t.Fatalf("unexpected frame: %s", frame)
	}
}

func TestWelcomeAssignsIdentity(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	c := dial(t, srv, "/room", nil)
	if c.welcome.ClientID == "" {
		t.Error("welcome carries no clientId")
	}
	if c.welcome.RestoredSession {
		t.Error("fresh connection claims a restored session")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)
	other := dial(t, srv, "/elsewhere", nil)

	a.send(t, `{"category":"request","requestId":"r1","data":{"note":"hi"}}`)

	frame := b.read(t)
	var msg wire.Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.RequestID != "r1" {
		t.Fatalf("subscriber got %s", frame)
	}

	// The sender's first inbound frame is b's reply, proving a's own
	// broadcast was not echoed back.
	b.send(t, `{"category":"request","requestId":"r1b","data":{}}`)
	reply := a.read(t)
	if err := json.Unmarshal(reply, &msg); err != nil || msg.RequestID != "r1b" {
		t.Errorf("sender received %s, want r1b", reply)
	}

	// Other topics see nothing.
	other.expectNoFrame(t, 150*time.Millisecond)
}

func TestDirectRouting(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)
	c := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"r2","to":"`+b.welcome.ClientID+`","data":{}}`)

	frame := b.read(t)
	var msg wire.Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.RequestID != "r2" {
		t.Fatalf("target got %s", frame)
	}
	// Direct messages never fan out to the topic.
	c.expectNoFrame(t, 150*time.Millisecond)
}

func TestDirectRoutingTargetNotFound(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"r3","to":"ghost","data":{}}`)

	var em wire.ErrorMsg
	if err := json.Unmarshal(a.read(t), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Error != "Target peer not found" || em.TargetID != "ghost" {
		t.Errorf("error envelope = %+v", em)
	}
}

func TestPingPongEchoesTimestamp(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	c := dial(t, srv, "/room", nil)

	c.send(t, `{"category":"ping","timestamp":98765}`)

	var pong wire.Ping
	if err := json.Unmarshal(c.read(t), &pong); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pong.Category != wire.CategoryPong || pong.Timestamp != 98765 {
		t.Errorf("pong = %+v", pong)
	}
}

func TestMessageTooLarge(t *testing.T) {
	_, srv := newTestRelay(t, Config{MaxMessageSize: 256})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	big := `{"category":"request","requestId":"r4","data":{"pad":"` +
		strings.Repeat("x", 300) + `"}}`
	a.send(t, big)

	var em wire.ErrorMsg
	if err := json.Unmarshal(a.read(t), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Error != "Message too large" {
		t.Errorf("error = %q", em.Error)
	}
	// The oversized frame was not forwarded and the connection stays usable:
	// b's first inbound frame is the follow-up, not the rejected one.
	a.send(t, `{"category":"request","requestId":"r5","data":{}}`)
	var msg wire.Message
	if err := json.Unmarshal(b.read(t), &msg); err != nil || msg.RequestID != "r5" {
		t.Error("oversized frame leaked or connection unusable after rejection")
	}
}

type burstRules struct{ auth.Rules }

func (burstRules) RateLimit(string) float64 { return 1 }

func TestRateLimit(t *testing.T) {
	_, srv := newTestRelay(t, Config{
		Rules:           burstRules{Rules: auth.AllowAll},
		EnableRateLimit: true,
	})
	a := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"r6","data":{}}`)
	a.send(t, `{"category":"request","requestId":"r7","data":{}}`)

	var em wire.ErrorMsg
	if err := json.Unmarshal(a.read(t), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Error != "Rate limit exceeded" {
		t.Errorf("error = %q", em.Error)
	}
}

func TestSessionRestoration(t *testing.T) {
	_, srv := newTestRelay(t, Config{SessionPersistence: true})

	first := dial(t, srv, "/room", nil)
	if first.welcome.SessionID == "" {
		t.Fatal("no sessionId issued with persistence enabled")
	}
	peerID := first.welcome.ClientID
	sessionID := first.welcome.SessionID
	first.conn.Close(websocket.StatusNormalClosure, "bye")
	time.Sleep(100 * time.Millisecond)

	second := dial(t, srv, "/room?sessionId="+sessionID, nil)
	if second.welcome.ClientID != peerID {
		t.Errorf("restored clientId = %q, want %q", second.welcome.ClientID, peerID)
	}
	if !second.welcome.RestoredSession {
		t.Error("welcome does not flag the restored session")
	}
}

func TestSessionRestoreSupersedesOldConnection(t *testing.T) {
	_, srv := newTestRelay(t, Config{SessionPersistence: true})

	old := dial(t, srv, "/room", nil)
	peerID := old.welcome.ClientID
	sender := dial(t, srv, "/room", nil)

	// Restore the session while the first connection is still open.
	restored := dial(t, srv, "/room?sessionId="+old.welcome.SessionID, nil)
	if restored.welcome.ClientID != peerID || !restored.welcome.RestoredSession {
		t.Fatalf("welcome = %+v, want restored identity %s", restored.welcome, peerID)
	}

	// The relay closes the superseded connection; give its close path time
	// to run so the test covers both orderings of add and remove.
	old.conn.CloseNow()
	time.Sleep(100 * time.Millisecond)

	// The restored connection must still own the peer id route.
	sender.send(t, `{"category":"request","requestId":"sr1","to":"`+peerID+`","data":{}}`)
	var msg wire.Message
	if err := json.Unmarshal(restored.read(t), &msg); err != nil || msg.RequestID != "sr1" {
		t.Errorf("restored peer got %+v, want requestId sr1", msg)
	}
}

func TestSessionNotRestoredWithoutPersistence(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	c := dial(t, srv, "/room?sessionId=anything", nil)
	if c.welcome.RestoredSession {
		t.Error("session restored with persistence disabled")
	}
}

func TestTopicFromPathDefaultsToNone(t *testing.T) {
	r, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/", nil)
	b := dial(t, srv, "/", nil)
	_ = a

	if got := r.routes.Get(b.welcome.ClientID).Topic; got != DefaultTopic {
		t.Errorf("topic = %q, want %q", got, DefaultTopic)
	}
}

func TestSubscribeACLRejected(t *testing.T) {
	rules := auth.NewStaticRules(map[string]auth.TopicACL{
		"ops": {Subscribe: []string{"alice"}},
	}, nil, 0)
	_, srv := newTestRelay(t, Config{Rules: rules})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL+"/ops", nil)
	if err == nil {
		conn.CloseNow()
		t.Fatal("anonymous subscribe to a restricted topic succeeded")
	}
}

type denyPublish struct{ auth.Rules }

func (denyPublish) CanPublishToTopic(string, string) bool { return false }

func TestPublishDeniedSendsError(t *testing.T) {
	_, srv := newTestRelay(t, Config{Rules: denyPublish{Rules: auth.AllowAll}})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"d1","data":{}}`)

	var em wire.ErrorMsg
	if err := json.Unmarshal(a.read(t), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Error != "Unauthorized" {
		t.Errorf("error = %q", em.Error)
	}
	// Rejection never closes the connection.
	a.send(t, `{"category":"ping","timestamp":1}`)
	var pong wire.Ping
	if err := json.Unmarshal(a.read(t), &pong); err != nil || pong.Category != wire.CategoryPong {
		t.Error("connection unusable after publish rejection")
	}
	// The rejected frame never reached the topic.
	b.expectNoFrame(t, 150*time.Millisecond)
}

type denyDirect struct{ auth.Rules }

func (denyDirect) CanMessagePeer(string, string) bool { return false }

func TestDirectMessageDeniedSendsError(t *testing.T) {
	_, srv := newTestRelay(t, Config{Rules: denyDirect{Rules: auth.AllowAll}})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"d2","to":"`+b.welcome.ClientID+`","data":{}}`)

	var em wire.ErrorMsg
	if err := json.Unmarshal(a.read(t), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Error != "Unauthorized" || em.TargetID != b.welcome.ClientID {
		t.Errorf("error envelope = %+v", em)
	}
	a.send(t, `{"category":"ping","timestamp":2}`)
	var pong wire.Ping
	if err := json.Unmarshal(a.read(t), &pong); err != nil || pong.Category != wire.CategoryPong {
		t.Error("connection unusable after direct-message rejection")
	}
	b.expectNoFrame(t, 150*time.Millisecond)
}

func TestJWTUpgrade(t *testing.T) {
	v := auth.NewJWTValidator([]byte("relay-secret"))
	_, srv := newTestRelay(t, Config{Validator: v})

	// No credential: 401.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if conn, _, err := websocket.Dial(ctx, srv.URL+"/room", nil); err == nil {
		conn.CloseNow()
		t.Fatal("anonymous upgrade accepted with JWT validation on")
	}

	token, err := v.IssueToken("alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	// Header credential wins over a bad query token.
	hdr := http.Header{"Authorization": []string{"Bearer " + token}}
	c := dial(t, srv, "/room?token=not-a-token", hdr)
	if c.welcome.ClientID == "" {
		t.Error("no identity assigned")
	}
}

func TestUnparsableFramesDropped(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	a.send(t, "this is not json")
	a.send(t, `{"category":"request","requestId":"r8","data":{}}`)

	// The garbage frame was dropped; b's first inbound frame is the valid
	// envelope sent after it.
	var msg wire.Message
	if err := json.Unmarshal(b.read(t), &msg); err != nil || msg.RequestID != "r8" {
		t.Error("garbage frame leaked or connection unusable after drop")
	}
}

func TestForwardRawFrames(t *testing.T) {
	_, srv := newTestRelay(t, Config{ForwardRawFrames: true})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	a.send(t, "raw payload")
	if got := string(b.read(t)); got != "raw payload" {
		t.Errorf("forwarded frame = %q", got)
	}
}

func TestUnknownEnvelopeBroadcast(t *testing.T) {
	// A well-formed envelope with an unknown category still routes: the relay
	// only needs the addressing fields.
	_, srv := newTestRelay(t, Config{})
	a := dial(t, srv, "/room", nil)
	b := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"telemetry","requestId":"r9","data":{"cpu":0.5}}`)
	frame := b.read(t)
	if !strings.Contains(string(frame), `"telemetry"`) {
		t.Errorf("unknown envelope not forwarded: %s", frame)
	}
}

func TestHistoryReplayOnJoin(t *testing.T) {
	store, err := history.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	_, srv := newTestRelay(t, Config{History: store, HistoryReplay: 10})
	a := dial(t, srv, "/room", nil)

	a.send(t, `{"category":"request","requestId":"h1","data":{}}`)
	a.send(t, `{"category":"request","requestId":"h2","data":{}}`)

	// Wait for both appends to land before the second peer joins.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := store.Count("room")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d entries, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := dial(t, srv, "/room", nil)
	for _, want := range []string{"h1", "h2"} {
		var msg wire.Message
		if err := json.Unmarshal(b.read(t), &msg); err != nil || msg.RequestID != want {
			t.Fatalf("replayed frame = %v, want requestId %s", msg, want)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestRelay(t, Config{})
	dial(t, srv, "/room", nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		OK    bool  `json:"ok"`
		Stats Stats `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.Stats.Connections != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	// Exercised directly: the mux would canonicalize the path first.
	req := httptest.NewRequest(http.MethodGet, "http://relay.test/room", nil)
	req.URL.Path = "/../secrets"
	rec := httptest.NewRecorder()
	r.handleWS(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
