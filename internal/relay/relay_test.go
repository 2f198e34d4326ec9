package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/protocol"
)

type fakeLeader struct {
	id     leader.Identity
	active atomic.Bool
}

func newFakeLeader() *fakeLeader {
	l := &fakeLeader{id: leader.NewIdentity()}
	l.active.Store(true)
	return l
}

func (l *fakeLeader) IsActive() bool            { return l.active.Load() }
func (l *fakeLeader) Identity() leader.Identity { return l.id }

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeLeader, string) {
	t.Helper()
	lead := newFakeLeader()
	cfg.Version = "test"
	s := NewServer(cfg, lead)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, lead, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func dial(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v (%s)", err, data)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOriginChecker(t *testing.T) {
	oc := newOriginChecker([]string{"https://tools.example.com/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"chrome-extension://abcdefghijklmnop", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:8080", true},
		{"https://tools.example.com", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.com", false},
		{"null", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got, reason := oc.check(tt.origin); got != tt.want {
				t.Errorf("check(%q) = %v (%s), want %v", tt.origin, got, reason, tt.want)
			}
		})
	}
}

func TestConnect_SendsAck(t *testing.T) {
	s, lead, url := newTestServer(t, Config{})
	conn := dial(t, url, "chrome-extension://test")

	ack := readMsg(t, conn)
	if ack.Type != protocol.KindConnectionAck {
		t.Fatalf("first message = %s, want CONNECTION_ACK", ack.Type)
	}
	if ack.ServerInstanceID != lead.id.InstanceID {
		t.Errorf("ServerInstanceID = %q, want %q", ack.ServerInstanceID, lead.id.InstanceID)
	}
	if ack.ServerVersion != "test" {
		t.Errorf("ServerVersion = %q", ack.ServerVersion)
	}

	st := s.State()
	if !st.Connected || !st.Healthy || st.ReconnectAttempts != 0 {
		t.Errorf("unexpected state after accept: %+v", st)
	}
	if st.Origin != "chrome-extension://test" {
		t.Errorf("Origin = %q", st.Origin)
	}
	if s.Current() == nil {
		t.Error("Current() is nil after accept")
	}
}

func TestRejectsForeignOrigin(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
	if s.Current() != nil {
		t.Error("rejected connection became current")
	}
}

func TestHandshakeRateLimit(t *testing.T) {
	_, _, url := newTestServer(t, Config{HandshakeRate: 0.001, HandshakeBurst: 1})
	dial(t, url, "")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected second handshake to be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
}

func TestKeepalive(t *testing.T) {
	_, _, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn) // ack

	if err := conn.WriteJSON(protocol.NewPing()); err != nil {
		t.Fatal(err)
	}
	if msg := readMsg(t, conn); msg.Type != protocol.KindKeepalivePong {
		t.Errorf("reply = %s, want KEEPALIVE_PONG", msg.Type)
	}
}

func TestMalformedInput(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json{")); err != nil {
		t.Fatal(err)
	}
	msg := readMsg(t, conn)
	if msg.Type != protocol.KindError || msg.Error == "" {
		t.Fatalf("reply = %+v, want ERROR with message", msg)
	}

	// The link survives a malformed frame.
	if err := conn.WriteJSON(protocol.NewPing()); err != nil {
		t.Fatal(err)
	}
	if msg := readMsg(t, conn); msg.Type != protocol.KindKeepalivePong {
		t.Errorf("reply = %s, want KEEPALIVE_PONG", msg.Type)
	}
	if !s.State().Connected {
		t.Error("state should remain connected")
	}
}

func TestResponsesReachHandler(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	got := make(chan protocol.Message, 4)
	s.OnMessage(func(m protocol.Message) { got <- m })

	conn := dial(t, url, "")
	readMsg(t, conn)

	resp, _ := protocol.NewResponse(protocol.KindDataLayerResponse, "req-1", map[string]any{"url": "https://example.com"})
	// Requests and controls are not forwarded.
	conn.WriteJSON(protocol.NewRequest(protocol.KindRequestDataLayer, "bogus"))
	conn.WriteJSON(protocol.NewPong())
	if err := conn.WriteJSON(resp); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if m.RequestID != "req-1" || m.Type != protocol.KindDataLayerResponse {
			t.Errorf("handler got %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("response did not reach handler")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected extra message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend(t *testing.T) {
	s, lead, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)

	ch := s.Current()
	if !s.Send(ch, protocol.NewRequest(protocol.KindRequestGA4Hits, "r1")) {
		t.Fatal("Send returned false on an open channel")
	}
	if msg := readMsg(t, conn); msg.RequestID != "r1" {
		t.Errorf("peer got %+v", msg)
	}

	if s.Send(nil, protocol.NewPing()) {
		t.Error("Send(nil) returned true")
	}

	lead.active.Store(false)
	if s.Send(ch, protocol.NewPing()) {
		t.Error("Send returned true while not active")
	}
}

func TestSend_ClosedChannel(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)
	ch := s.Current()

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	select {
	case <-ch.Closed():
	case <-ch.Errored():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not terminate")
	}
	if s.Send(ch, protocol.NewPing()) {
		t.Error("Send returned true on a closed channel")
	}
}

func TestDisconnectUpdatesState(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)
	conn.Close()

	waitFor(t, "disconnect", func() bool { return !s.State().Connected })
	st := s.State()
	if st.Healthy {
		t.Error("disconnected link must be unhealthy")
	}
	if st.ReconnectAttempts != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", st.ReconnectAttempts)
	}
	if s.Current() != nil {
		t.Error("Current() should be nil after disconnect")
	}

	conn2 := dial(t, url, "")
	readMsg(t, conn2)
	if st := s.State(); st.ReconnectAttempts != 0 || !st.Connected {
		t.Errorf("state after reconnect = %+v", st)
	}
}

func TestLastConnectionWins(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	first := dial(t, url, "")
	readMsg(t, first)
	firstID := s.State().PeerID

	second := dial(t, url, "")
	readMsg(t, second)
	secondID := s.State().PeerID
	if secondID == firstID {
		t.Fatal("second connection did not replace the first")
	}

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, CloseSuperseded) {
		t.Errorf("first peer read error = %v, want close %d", err, CloseSuperseded)
	}

	// The displaced peer's close must not clear the new connection.
	time.Sleep(100 * time.Millisecond)
	st := s.State()
	if !st.Connected || st.PeerID != secondID {
		t.Errorf("state after displacement = %+v", st)
	}
}

func TestHealthCheckFlipsWithoutClosing(t *testing.T) {
	s, _, url := newTestServer(t, Config{InactivityTimeout: time.Second})
	conn := dial(t, url, "")
	readMsg(t, conn)

	s.checkHealth(time.Now().Add(2 * time.Second))
	st := s.State()
	if st.Healthy {
		t.Fatal("idle link should be unhealthy")
	}
	if !st.Connected || s.Current() == nil || !s.Current().IsOpen() {
		t.Fatal("health check must not close the link")
	}

	// Inbound traffic restores health.
	conn.WriteJSON(protocol.NewPing())
	readMsg(t, conn)
	if !s.State().Healthy {
		t.Error("activity should restore health")
	}
}

func TestHealthCheckLoop(t *testing.T) {
	s, _, url := newTestServer(t, Config{
		HealthCheckInterval: 20 * time.Millisecond,
		InactivityTimeout:   50 * time.Millisecond,
	})
	s.StartHealthCheck()
	t.Cleanup(func() { s.Stop(t.Context()) })

	conn := dial(t, url, "")
	readMsg(t, conn)
	waitFor(t, "unhealthy", func() bool { return !s.State().Healthy })
	if !s.State().Connected {
		t.Error("link should remain connected")
	}
}

func TestStepDown(t *testing.T) {
	s, lead, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)

	newOwner := leader.NewIdentity()
	lead.active.Store(false)
	s.StepDown(newOwner)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseStepDown) {
		t.Errorf("read error = %v, want close %d", err, CloseStepDown)
	}
	if !s.SteppedDown() {
		t.Error("SteppedDown() = false")
	}
	if s.Health().Active {
		t.Error("stepped-down relay reports active")
	}
	// Idempotent.
	s.StepDown(newOwner)
}

func TestHealthEndpoint(t *testing.T) {
	lead := newFakeLeader()
	s := NewServer(Config{Version: "1.2.3"}, lead)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.InstanceID != lead.id.InstanceID || !report.Active || report.Version != "1.2.3" {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Connection.Connected {
		t.Error("no peer yet, connection should be down")
	}
}

func TestConcurrentSends(t *testing.T) {
	s, _, url := newTestServer(t, Config{})
	conn := dial(t, url, "")
	readMsg(t, conn)
	ch := s.Current()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Send(ch, protocol.NewPing())
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if msg := readMsg(t, conn); msg.Type != protocol.KindKeepalivePing {
			t.Fatalf("frame %d = %s", i, msg.Type)
		}
	}
}
