package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clinic-ops/sentinel/internal/enforce"
	"github.com/clinic-ops/sentinel/internal/sse"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

const hydrateEvents = 20

// StreamHandler serves SSE streams for real-time dashboard monitoring.
type StreamHandler struct {
	hub       *sse.Hub
	query     enforce.Querier
	keepalive time.Duration
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(hub *sse.Hub, query enforce.Querier) *StreamHandler {
	return &StreamHandler{hub: hub, query: query, keepalive: 30 * time.Second}
}

// HandleSSE handles GET /api/stream/events?topic=security_events|visitors
// It sends the most recent security events as hydration, then streams live
// events with periodic keepalives.
func (sh *StreamHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := r.URL.Query().Get("topic")
	switch topic {
	case "":
		topic = sse.TopicSecurityEvents
	case sse.TopicSecurityEvents, sse.TopicVisitors:
	default:
		jsonError(w, "invalid topic", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before hydrating so nothing published in between is lost.
	ch, cancel := sh.hub.Subscribe(topic)
	defer cancel()

	if topic == sse.TopicSecurityEvents && sh.query != nil {
		recent, _ := sh.query.ListSecurityEvents(r.Context(), visitor.EventFilter{Limit: hydrateEvents})
		for i := len(recent) - 1; i >= 0; i-- {
			data, _ := json.Marshal(recent[i])
			fmt.Fprintf(w, "event: security_event\ndata: %s\n\n", data)
		}
	}
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sh.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
