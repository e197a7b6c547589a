package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/auth"
	"github.com/clinic-ops/sentinel/internal/enforce"
	"github.com/clinic-ops/sentinel/internal/tracker"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

const testToken = "test-token"

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type fakeSummarizer struct {
	text string
	err  error
}

func (f fakeSummarizer) Summarize(context.Context, visitor.SecurityEvent) (string, error) {
	return f.text, f.err
}

type harness struct {
	store   *enforce.MemoryStore
	tracker *tracker.Manager
	bl      *enforce.Blacklist
	router  http.Handler
}

func newHarness(t *testing.T, cfg tracker.Config, summarizer Summarizer) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(t0)

	store := enforce.NewMemoryStore()
	recorder := enforce.NewRecorder(store, nil, time.Second, logger)
	bl := enforce.NewBlacklist(store, recorder, clock, logger)
	m := tracker.NewManager(cfg, nil, recorder, bl, clock, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	th := NewTrackHandler(m, logger)
	ah := NewAdminHandler(store, bl, m, summarizer, clock, logger)

	r := chi.NewRouter()
	r.Route("/v1/track", func(r chi.Router) {
		r.Post("/sessions", th.StartSession)
		r.Post("/sessions/{id}/events", th.RecordEvents)
		r.Delete("/sessions/{id}", th.EndSession)
		r.Post("/sessions/{id}/end", th.EndSession)
		r.Post("/sessions/{id}/heartbeat", th.Heartbeat)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(testToken))
		r.Get("/api/visitors", ah.ListVisitors)
		r.Get("/api/security-events", ah.ListSecurityEvents)
		r.Get("/api/security-events/{id}/summary", ah.SummarizeEvent)
		r.Get("/api/blacklist", ah.ListBlacklist)
		r.Post("/api/blacklist", ah.BlockIP)
		r.Delete("/api/blacklist/{id}", ah.UnblockIP)
		r.Get("/api/stats", ah.GetStats)
	})

	return &harness{store: store, tracker: m, bl: bl, router: r}
}

func (h *harness) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if admin {
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set(auth.OperatorHeader, "dr.osei")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)

	rec := h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": "s-1"}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	res := decode[tracker.StartResult](t, rec)
	if res.SessionID != "s-1" {
		t.Fatalf("session_id=%q", res.SessionID)
	}
	// No user agent and no probes: abnormal UA (15) + abnormal fingerprint (15).
	if res.RiskScore != 30 || res.RiskLevel != string(visitor.RiskMedium) {
		t.Fatalf("score=%d level=%s", res.RiskScore, res.RiskLevel)
	}
	if _, ok := h.store.Visitor("s-1"); !ok {
		t.Fatalf("visitor not persisted")
	}

	rec = h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": "s-1"}, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d want 409", rec.Code)
	}
}

func TestStartSessionBadBody(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/track/sessions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}
}

func TestRecordEventsAndEnd(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	if rec := h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": "s-2"}, false); rec.Code != http.StatusCreated {
		t.Fatalf("start status=%d", rec.Code)
	}

	tests := []struct {
		name   string
		path   string
		events []tracker.InputEvent
		want   int
	}{
		{"accepted", "/v1/track/sessions/s-2/events", []tracker.InputEvent{{Kind: "mousemove", Count: 5}, {Kind: "keydown", Count: 2}}, http.StatusAccepted},
		{"unknown kind", "/v1/track/sessions/s-2/events", []tracker.InputEvent{{Kind: "paste", Count: 1}}, http.StatusBadRequest},
		{"unknown session", "/v1/track/sessions/nope/events", []tracker.InputEvent{{Kind: "scroll", Count: 1}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodPost, tt.path, map[string]any{"events": tt.events}, false)
		if rec.Code != tt.want {
			t.Fatalf("%s: status=%d want %d body=%s", tt.name, rec.Code, tt.want, rec.Body)
		}
	}

	if rec := h.do(t, http.MethodPost, "/v1/track/sessions/s-2/end", nil, false); rec.Code != http.StatusNoContent {
		t.Fatalf("end status=%d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/v1/track/sessions/s-2", nil, false); rec.Code != http.StatusNotFound {
		t.Fatalf("second end status=%d want 404", rec.Code)
	}

	v, ok := h.store.Visitor("s-2")
	if !ok {
		t.Fatalf("visitor missing")
	}
	if v.MouseMoves != 5 || v.KeyboardEvents != 2 {
		t.Fatalf("final counters mouse=%d keys=%d", v.MouseMoves, v.KeyboardEvents)
	}
}

func TestStartSessionBlacklisted(t *testing.T) {
	h := newHarness(t, tracker.Config{RejectBlacklisted: true}, nil)
	// httptest requests originate from 192.0.2.1.
	if _, err := h.bl.BlockIP(context.Background(), enforce.BlockRequest{
		IP: "192.0.2.1", Reason: "credential stuffing", BlockType: visitor.BlockPermanent,
	}); err != nil {
		t.Fatalf("block: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": "s-3"}, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rec.Code)
	}
	found := false
	for _, ev := range h.store.Events() {
		if ev.EventType == visitor.EventBlacklistedIPAccess {
			found = true
		}
	}
	if !found {
		t.Fatalf("blacklisted access not reported")
	}
}

func TestBlacklistWorkflow(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)

	invalid := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"bad ip", map[string]any{"ip_address": "999.1.1.1", "reason": "x", "block_type": "permanent"}, "ip_address"},
		{"no reason", map[string]any{"ip_address": "203.0.113.9", "block_type": "permanent"}, "reason"},
		{"bad type", map[string]any{"ip_address": "203.0.113.9", "reason": "x", "block_type": "forever"}, "block_type"},
		{"temporary without duration", map[string]any{"ip_address": "203.0.113.9", "reason": "x", "block_type": "temporary"}, "duration"},
	}
	for _, tt := range invalid {
		rec := h.do(t, http.MethodPost, "/api/blacklist", tt.body, true)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", tt.name, rec.Code)
		}
		got := decode[map[string]string](t, rec)
		if got["field"] != tt.field {
			t.Fatalf("%s: field=%q want %q", tt.name, got["field"], tt.field)
		}
	}

	rec := h.do(t, http.MethodPost, "/api/blacklist", map[string]any{
		"ip_address": "203.0.113.9", "reason": "scraping charts", "block_type": "temporary", "duration": "24h",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block status=%d body=%s", rec.Code, rec.Body)
	}
	entry := decode[visitor.BlacklistEntry](t, rec)
	if entry.CreatedBy != "dr.osei" {
		t.Fatalf("created_by=%q", entry.CreatedBy)
	}
	if entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("expires_at=%v", entry.ExpiresAt)
	}

	rec = h.do(t, http.MethodGet, "/api/blacklist", nil, true)
	if list := decode[[]visitor.BlacklistEntry](t, rec); len(list) != 1 {
		t.Fatalf("active entries=%d want 1", len(list))
	}

	path := "/api/blacklist/" + jsonInt(entry.ID)
	if rec := h.do(t, http.MethodDelete, path, nil, true); rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("unconfirmed unblock status=%d want 428", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, path+"?confirm=true", nil, true); rec.Code != http.StatusNoContent {
		t.Fatalf("unblock status=%d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, path+"?confirm=true", nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("repeat unblock status=%d want 404", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	if rec := h.do(t, http.MethodGet, "/api/stats", nil, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rec.Code)
	}
}

func TestListVisitorsAndStats(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	for _, id := range []string{"a", "b"} {
		if rec := h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": id}, false); rec.Code != http.StatusCreated {
			t.Fatalf("start %s status=%d", id, rec.Code)
		}
	}

	rec := h.do(t, http.MethodGet, "/api/visitors?risk_level=medium&limit=10", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if list := decode[[]visitor.Snapshot](t, rec); len(list) != 2 {
		t.Fatalf("medium visitors=%d want 2", len(list))
	}
	rec = h.do(t, http.MethodGet, "/api/visitors?risk_level=critical", nil, true)
	if list := decode[[]visitor.Snapshot](t, rec); len(list) != 0 {
		t.Fatalf("critical visitors=%d want 0", len(list))
	}
	if rec := h.do(t, http.MethodGet, "/api/visitors?risk_level=extreme", nil, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level status=%d want 400", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/visitors?since=yesterday", nil, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status=%d want 400", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/stats", nil, true)
	stats := decode[visitor.Stats](t, rec)
	if stats.TotalVisitors != 2 || stats.LiveSessions != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestSummarizeEvent(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	if rec := h.do(t, http.MethodGet, "/api/security-events/1/summary", nil, true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status=%d want 503", rec.Code)
	}

	h = newHarness(t, tracker.Config{}, fakeSummarizer{text: "A scripted client probed the portal."})
	ev := visitor.SecurityEvent{EventType: visitor.EventSuspiciousVisitor, Severity: visitor.SeverityHigh, IPAddress: "203.0.113.4", CreatedAt: t0}
	if err := h.store.InsertSecurityEvent(context.Background(), &ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/security-events/"+jsonInt(ev.ID)+"/summary", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if got := decode[map[string]any](t, rec); got["summary"] != "A scripted client probed the portal." {
		t.Fatalf("summary=%v", got["summary"])
	}
	if rec := h.do(t, http.MethodGet, "/api/security-events/9999/summary", nil, true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d want 404", rec.Code)
	}

	h = newHarness(t, tracker.Config{}, fakeSummarizer{err: errors.New("throttled")})
	ev = visitor.SecurityEvent{EventType: visitor.EventSuspiciousVisitor, Severity: visitor.SeverityHigh, CreatedAt: t0}
	h.store.InsertSecurityEvent(context.Background(), &ev)
	if rec := h.do(t, http.MethodGet, "/api/security-events/"+jsonInt(ev.ID)+"/summary", nil, true); rec.Code != http.StatusBadGateway {
		t.Fatalf("failing summarizer status=%d want 502", rec.Code)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, tracker.Config{}, nil)
	if rec := h.do(t, http.MethodPost, "/v1/track/sessions", map[string]any{"session_id": "hb"}, false); rec.Code != http.StatusCreated {
		t.Fatalf("start status=%d", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/v1/track/sessions/hb/heartbeat", nil, false); rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat status=%d body=%s", rec.Code, rec.Body)
	}
	if rec := h.do(t, http.MethodPost, "/v1/track/sessions/nope/heartbeat", nil, false); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status=%d", rec.Code)
	}

	s, err := h.tracker.Get("hb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap, _ := s.Snapshot()
	if snap.Interactions() != 0 {
		t.Fatalf("heartbeat counted as input")
	}
}
