package sse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification channels raised by the database triggers, mapped to hub topics.
var channelTopics = map[string]struct {
	topic     string
	eventType string
}{
	"security_event_stream": {TopicSecurityEvents, "security_event"},
	"visitor_stream":        {TopicVisitors, "visitor"},
}

// PGListener subscribes to PostgreSQL NOTIFY channels and fans out
// notifications to the SSE hub.
type PGListener struct {
	pool   *pgxpool.Pool
	hub    *Hub
	logger *slog.Logger
}

// NewPGListener creates a new PGListener that bridges PostgreSQL notifications to SSE.
func NewPGListener(pool *pgxpool.Pool, hub *Hub, logger *slog.Logger) *PGListener {
	return &PGListener{pool: pool, hub: hub, logger: logger}
}

// Listen subscribes to PostgreSQL NOTIFY channels and fans out to the SSE hub.
// It blocks until ctx is cancelled or an error occurs.
// It should be run inside RunWithRecovery so it auto-restarts on failure.
func (pl *PGListener) Listen(ctx context.Context) {
	conn, err := pl.pool.Acquire(ctx)
	if err != nil {
		pl.logger.Error("pg-listen: acquire connection failed", "err", err)
		return
	}
	defer conn.Release()

	for ch := range channelTopics {
		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", ch)); err != nil {
			pl.logger.Error("pg-listen: LISTEN failed", "channel", ch, "err", err)
			return
		}
	}
	pl.logger.Info("pg-listen: subscribed to notification channels")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // graceful shutdown
			}
			pl.logger.Error("pg-listen: notification error", "err", err)
			return // RunWithRecovery will reconnect
		}

		route, ok := channelTopics[notification.Channel]
		if !ok {
			continue
		}
		pl.hub.Publish(route.topic, Event{Type: route.eventType, Data: []byte(notification.Payload)})
	}
}
