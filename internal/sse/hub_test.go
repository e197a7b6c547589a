package sse

import (
	"io"
	"log/slog"
	"testing"
)

func TestHubFanOutByTopic(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	events, cancelEvents := hub.Subscribe(TopicSecurityEvents)
	defer cancelEvents()
	visitors, cancelVisitors := hub.Subscribe(TopicVisitors)
	defer cancelVisitors()

	hub.PublishJSON(TopicSecurityEvents, "security_event", map[string]any{"id": 7})

	select {
	case ev := <-events:
		if ev.Type != "security_event" || string(ev.Data) != `{"id":7}` {
			t.Fatalf("got type=%q data=%q", ev.Type, ev.Data)
		}
	default:
		t.Fatalf("security event not delivered")
	}
	select {
	case ev := <-visitors:
		t.Fatalf("visitor topic received %+v", ev)
	default:
	}
}

func TestHubCancel(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := hub.Subscribe(TopicVisitors)
	if hub.SubscriberCount(TopicVisitors) != 1 {
		t.Fatalf("subscriber not registered")
	}
	cancel()
	cancel()
	if hub.SubscriberCount(TopicVisitors) != 0 {
		t.Fatalf("subscriber not removed")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	hub.Publish(TopicVisitors, Event{Type: "visitor"})
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch, cancel := hub.Subscribe(TopicSecurityEvents)
	defer cancel()

	for i := 0; i < 100; i++ {
		hub.Publish(TopicSecurityEvents, Event{Type: "security_event", Data: []byte("{}")})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer=%d want full %d", len(ch), cap(ch))
	}
}
