package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/enforce"
	"github.com/clinic-ops/sentinel/internal/tracker"
)

func newTestServer(t *testing.T) (*httptest.Server, *enforce.MemoryStore, *tracker.Manager) {
	t.Helper()
	return newTestServerWait(t, 0)
}

func newTestServerWait(t *testing.T, readWait time.Duration) (*httptest.Server, *enforce.MemoryStore, *tracker.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	store := enforce.NewMemoryStore()
	recorder := enforce.NewRecorder(store, nil, time.Second, logger)
	tm := tracker.NewManager(tracker.Config{}, nil, recorder, nil, clock, logger)

	m := NewManager(tm, nil, logger)
	if readWait > 0 {
		m.readWait = readWait
	}
	srv := httptest.NewServer(http.HandlerFunc(m.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tm.Shutdown(ctx)
	})
	return srv, store, tm
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionOverWebSocket(t *testing.T) {
	srv, store, tm := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(tracker.StartPayload{SessionID: "ws-1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	var started struct {
		Type    string              `json:"type"`
		Session tracker.StartResult `json:"session"`
	}
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started.Type != "started" || started.Session.SessionID != "ws-1" {
		t.Fatalf("unexpected start reply %+v", started)
	}

	conn.WriteJSON(map[string]any{"kind": "mousemove", "count": 3})
	conn.WriteJSON(map[string]any{"type": "events", "events": []tracker.InputEvent{{Kind: "scroll", Count: 2}}})

	conn.WriteJSON(map[string]any{"kind": "paste"})
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply["type"] != "error" {
		t.Fatalf("reply=%v want error", reply)
	}

	conn.Close()
	waitFor(t, func() bool { return tm.Len() == 0 })

	v, ok := store.Visitor("ws-1")
	if !ok {
		t.Fatalf("visitor not stored")
	}
	if v.MouseMoves != 3 || v.ScrollEvents != 2 {
		t.Fatalf("final counters mouse=%d scroll=%d", v.MouseMoves, v.ScrollEvents)
	}
}

func TestInvalidStartPayload(t *testing.T) {
	srv, _, tm := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply["type"] != "error" {
		t.Fatalf("reply=%v want error", reply)
	}
	if tm.Len() != 0 {
		t.Fatalf("session started from invalid payload")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://portal.clinic.example/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://portal.clinic.example", true},
		{"HTTPS://PORTAL.CLINIC.EXAMPLE", true},
		{"https://evil.example", false},
		{"", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/track/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Fatalf("origin %q: got %v want %v", tt.origin, got, tt.want)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("empty allow list must accept")
	}
}

func startSession(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	if err := conn.WriteJSON(tracker.StartPayload{SessionID: id}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	var started map[string]any
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started["type"] != "started" {
		t.Fatalf("reply=%v want started", started)
	}
}

func TestQuietSocketStaysOpen(t *testing.T) {
	srv, _, tm := newTestServerWait(t, 300*time.Millisecond)
	conn := dial(t, srv)
	defer conn.Close()
	startSession(t, conn, "quiet")

	// Reading lets the client answer server pings.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Second)
	if tm.Len() != 1 {
		t.Fatalf("live sessions=%d want 1 after a quiet period", tm.Len())
	}
	s, err := tm.Get("quiet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap, _ := s.Snapshot()
	if snap.Interactions() != 0 {
		t.Fatalf("pongs counted as input: %d", snap.Interactions())
	}
}

func TestAppLevelPing(t *testing.T) {
	srv, _, tm := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()
	startSession(t, conn, "pinger")

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if reply["type"] != "pong" {
		t.Fatalf("reply=%v want pong", reply)
	}
	if tm.Len() != 1 {
		t.Fatalf("ping ended the session")
	}
}

func TestSocketClosedWhenSessionEnds(t *testing.T) {
	srv, _, tm := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()
	startSession(t, conn, "ended")

	if err := tm.End("ended"); err != nil {
		t.Fatalf("End: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v want normal close", err)
	}
}
