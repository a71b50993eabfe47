package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/logging"
)

var resolver = identity.ResolverFunc(func(ctx context.Context, token string) (string, error) {
	if user, ok := strings.CutPrefix(token, "good-"); ok {
		return user, nil
	}
	return "", chaterr.AuthFailed("bad token")
})

type readRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *readRecorder) MarkRead(ctx context.Context, conversationID, reader string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, conversationID+"/"+reader)
	return 1, r.err
}

func (r *readRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestServer(t *testing.T, reads ReadMarker) (*httptest.Server, *fanout.Hub) {
	t.Helper()
	hub := fanout.NewHub(fanout.HubOpts{Log: logging.Discard()})
	srv, err := New(Opts{
		Resolver:     resolver,
		Hub:          hub,
		Reads:        reads,
		PingInterval: time.Second,
		WriteTimeout: time.Second,
		Log:          logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func dial(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "resolver is required") {
		t.Errorf("error = %v", err)
	}
	if _, err := New(Opts{Resolver: resolver}); err == nil || !strings.Contains(err.Error(), "hub is required") {
		t.Errorf("error = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestConnect_BadTokenRejected(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	for _, token := range []string{"", "forged"} {
		conn, resp, err := dial(t, ts, token)
		if err == nil {
			conn.Close()
			t.Fatalf("token %q: expected handshake failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: response = %v", token, resp)
		}
	}
	if hub.Users() != 0 {
		t.Errorf("users = %d, want 0", hub.Users())
	}
}

func TestConnect_TokenQueryParam(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=good-alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.Online("alice") == 1 })
}

func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	conn, _, err := dial(t, ts, "good-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":"t-42"}`)); err != nil {
		t.Fatal(err)
	}
	evt := readEvent(t, conn)
	if evt["type"] != "pong" || evt["timestamp"] != "t-42" {
		t.Errorf("pong = %v", evt)
	}
}

func TestEventsReachEverySession(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	a1, _, err := dial(t, ts, "good-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer a1.Close()
	a2, _, err := dial(t, ts, "good-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	waitFor(t, "two sessions", func() bool { return hub.Online("alice") == 2 })

	d := hub.Publish(context.Background(), []string{"alice", "bob"}, "bob", fanout.Event{
		Type:           fanout.EventNewMessage,
		ConversationID: "c1",
		Payload:        map[string]any{"content": "hi"},
	})
	if d["alice"] != 2 {
		t.Errorf("delivery = %v", d)
	}
	for _, conn := range []*websocket.Conn{a1, a2} {
		evt := readEvent(t, conn)
		if evt["type"] != "new_message" || evt["conversation_id"] != "c1" || evt["content"] != "hi" {
			t.Errorf("event = %v", evt)
		}
	}
}

func TestReadFrame(t *testing.T) {
	reads := &readRecorder{}
	ts, _ := newTestServer(t, reads)
	conn, _, err := dial(t, ts, "good-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"read","conversation_id":"c1"}`))
	waitFor(t, "read call", func() bool { return len(reads.Calls()) == 1 })
	if got := reads.Calls()[0]; got != "c1/bob" {
		t.Errorf("call = %s", got)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"read"}`))
	evt := readEvent(t, conn)
	if evt["type"] != "error" || evt["code"] != "VALIDATION" {
		t.Errorf("error frame = %v", evt)
	}
}

func TestReadFrame_NotFound(t *testing.T) {
	reads := &readRecorder{err: chaterr.NotFound("conversation c9 not found")}
	ts, _ := newTestServer(t, reads)
	conn, _, err := dial(t, ts, "good-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"read","conversation_id":"c9"}`))
	evt := readEvent(t, conn)
	if evt["code"] != "NOT_FOUND" {
		t.Errorf("error frame = %v", evt)
	}
}

func TestReadFrame_InternalErrorHidesCause(t *testing.T) {
	reads := &readRecorder{err: chaterr.Internal(errors.New("dial tcp 10.0.0.5:3306: refused"), "delivery: mark read")}
	ts, _ := newTestServer(t, reads)
	conn, _, err := dial(t, ts, "good-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"read","conversation_id":"c1"}`))
	evt := readEvent(t, conn)
	if evt["code"] != "INTERNAL" {
		t.Errorf("error frame = %v", evt)
	}
	if msg, _ := evt["message"].(string); strings.Contains(msg, "3306") || strings.Contains(msg, "delivery") {
		t.Errorf("internal cause leaked: %q", msg)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	conn, _, err := dial(t, ts, "good-alice")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "registration", func() bool { return hub.Online("alice") == 1 })
	conn.Close()
	waitFor(t, "unregistration", func() bool { return hub.Online("alice") == 0 })
}

func TestHubStopClosesSessions(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	conn, _, err := dial(t, ts, "good-alice")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.Online("alice") == 1 })

	hub.Stop()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after stop = %v, want normal close", err)
	}
}

func TestSessionSend_BufferFull(t *testing.T) {
	srv := &Server{sendBuffer: 1, log: logging.Discard()}
	s := &session{id: "s1", srv: srv, log: srv.log, send: make(chan []byte, 1), done: make(chan struct{})}
	evt := fanout.Event{Type: fanout.EventNewMessage}
	if err := s.Send(context.Background(), evt); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(context.Background(), evt); err == nil {
		t.Error("expected buffer full error")
	}
	s.Close()
	s.Close()
	<-s.send
	if err := s.Send(context.Background(), evt); err != errSessionClosed {
		t.Errorf("send after close = %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := bearerToken(r); got != "q" {
		t.Errorf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := bearerToken(r); got != "h" {
		t.Errorf("header token = %q", got)
	}
}
