// Package ws carries tracking sessions over a WebSocket: the first message
// starts the session, later messages are input event batches, and closing
// the socket tears the session down. The server pings the socket and every
// pong, like an app-level {"type":"ping"}, counts as a session heartbeat.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinic-ops/sentinel/internal/tracker"
)

const (
	writeWait    = 5 * time.Second
	startWait    = 10 * time.Second
	maxMessage   = 64 << 10
	defaultIdleR = 2 * time.Minute
)

// clientMessage is any message after the start payload.
type clientMessage struct {
	Type   string               `json:"type"`
	Kind   string               `json:"kind"`
	Count  int                  `json:"count"`
	Events []tracker.InputEvent `json:"events"`
}

// Manager tracks active tracking sockets.
type Manager struct {
	tracker  *tracker.Manager
	upgrader websocket.Upgrader
	readWait time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewManager creates a WebSocket manager. An empty allowedOrigins accepts
// every origin.
func NewManager(t *tracker.Manager, allowedOrigins []string, logger *slog.Logger) *Manager {
	m := &Manager{
		tracker:  t,
		readWait: defaultIdleR,
		logger:   logger,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return m
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[strings.ToLower(r.Header.Get("Origin"))]
		return ok
	}
}

// HandleWS handles GET /v1/track/ws
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMessage)

	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(startWait))
	var p tracker.StartPayload
	if err := conn.ReadJSON(&p); err != nil {
		m.sendJSON(conn, errorMessage("invalid start payload"))
		return
	}

	s, err := m.tracker.Start(r.Context(), p.Request(remoteIP(r), r.UserAgent()))
	if err != nil {
		m.sendJSON(conn, errorMessage(startError(err)))
		return
	}
	// Socket close is teardown.
	defer s.Stop()

	res, err := s.Result()
	if err != nil {
		return
	}
	if err := m.sendJSON(conn, map[string]any{"type": "started", "session": res}); err != nil {
		return
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.readWait))
		s.Heartbeat()
		return nil
	})
	closed := make(chan struct{})
	defer close(closed)
	go m.keepalive(conn, s, closed)

	for {
		conn.SetReadDeadline(time.Now().Add(m.readWait))
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				m.logger.Debug("websocket read ended", "session_id", s.ID(), "err", err)
			}
			return
		}

		switch msg.Type {
		case "end":
			return
		case "ping":
			if err := s.Heartbeat(); err != nil {
				return
			}
			m.sendJSON(conn, map[string]any{"type": "pong"})
		case "events":
			if _, err := s.ObserveAll(msg.Events); err != nil {
				if errors.Is(err, tracker.ErrSessionClosed) {
					return
				}
				m.sendJSON(conn, errorMessage(err.Error()))
			}
		default:
			if err := s.Observe(msg.Kind, msg.Count); err != nil {
				if errors.Is(err, tracker.ErrSessionClosed) {
					return
				}
				m.sendJSON(conn, errorMessage(err.Error()))
			}
		}
	}
}

// keepalive pings the client well inside the read deadline and closes the
// socket when the session ends on its own.
func (m *Manager) keepalive(conn *websocket.Conn, s *tracker.Session, closed <-chan struct{}) {
	ticker := time.NewTicker(m.readWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("websocket ping failed", "session_id", s.ID(), "err", err)
				return
			}
		}
	}
}

// Len returns the number of open sockets.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll sends a going-away close frame to every socket. Their handlers
// then stop the sessions.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.Close()
	}
}

func (m *Manager) sendJSON(conn *websocket.Conn, data map[string]any) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func errorMessage(msg string) map[string]any {
	return map[string]any{"type": "error", "error": msg}
}

func startError(err error) string {
	switch {
	case errors.Is(err, tracker.ErrBlacklisted):
		return "access denied"
	case errors.Is(err, tracker.ErrSessionExists):
		return "session already exists"
	case errors.Is(err, tracker.ErrShuttingDown):
		return "service shutting down"
	default:
		return "failed to start session"
	}
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
