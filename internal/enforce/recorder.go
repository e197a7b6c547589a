// Package enforce records visitor snapshots and security events and manages
// the IP blacklist. Recording is fire-and-forget: a failed write is logged,
// counted and spooled for replay, and never surfaces to the caller.
package enforce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

const (
	defaultWriteTimeout = 5 * time.Second
	DefaultMaxAttempts  = 10
)

// Recorder persists what the tracker observes.
type Recorder struct {
	store        Store
	spool        *Spool
	writeTimeout time.Duration
	maxAttempts  int
	onEvent      func(visitor.SecurityEvent)
	logger       *slog.Logger
}

// NewRecorder creates a recorder. spool may be nil, in which case failed
// writes are only logged.
func NewRecorder(store Store, spool *Spool, writeTimeout time.Duration, logger *slog.Logger) *Recorder {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Recorder{
		store:        store,
		spool:        spool,
		writeTimeout: writeTimeout,
		maxAttempts:  DefaultMaxAttempts,
		logger:       logger,
	}
}

// SetMaxAttempts bounds how often a spooled write is replayed before it is
// dead-lettered.
func (r *Recorder) SetMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

// OnEvent registers a callback invoked after each security event is stored.
// Used to feed the live stream when the store has no notification channel.
func (r *Recorder) OnEvent(fn func(visitor.SecurityEvent)) {
	r.onEvent = fn
}

// writeCtx detaches from the caller's cancellation but bounds the write.
func (r *Recorder) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
}

// RecordVisitor inserts the initial snapshot of a session.
func (r *Recorder) RecordVisitor(ctx context.Context, s visitor.Snapshot) {
	ctx, cancel := r.writeCtx(ctx)
	defer cancel()

	s.Version = visitor.SchemaVersion
	if err := r.store.InsertVisitor(ctx, &s); err != nil {
		r.failed(ctx, OpInsertVisitor, s, err, "session_id", s.SessionID)
	}
}

// UpdateVisitor overwrites the stored snapshot for sessionID.
func (r *Recorder) UpdateVisitor(ctx context.Context, sessionID string, s visitor.Snapshot) {
	ctx, cancel := r.writeCtx(ctx)
	defer cancel()

	s.SessionID = sessionID
	s.Version = visitor.SchemaVersion
	if err := r.store.UpdateVisitor(ctx, &s); err != nil {
		r.failed(ctx, OpUpdateVisitor, s, err, "session_id", sessionID)
	}
}

// ReportSuspiciousVisitor emits a suspicious_visitor event for a scored
// snapshot.
func (r *Recorder) ReportSuspiciousVisitor(ctx context.Context, s visitor.Snapshot) {
	r.ReportEvent(ctx, visitor.SuspiciousVisitorEvent(s, visitor.EventSuspiciousVisitor))
}

// ReportEvent appends a security event. The event gets its EventID here so
// a spooled retry of a write that did commit is not stored twice.
func (r *Recorder) ReportEvent(ctx context.Context, ev visitor.SecurityEvent) {
	ctx, cancel := r.writeCtx(ctx)
	defer cancel()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.store.InsertSecurityEvent(ctx, &ev); err != nil {
		r.failed(ctx, OpInsertEvent, ev, err, "event_type", ev.EventType, "ip", ev.IPAddress)
		return
	}
	metrics.SecurityEvents.WithLabelValues(ev.EventType).Inc()
	r.logger.Info("security event recorded",
		"id", ev.ID,
		"type", ev.EventType,
		"severity", ev.Severity,
		"ip", ev.IPAddress,
	)
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

func (r *Recorder) failed(ctx context.Context, op string, v any, err error, attrs ...any) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	r.logger.Error("store write failed", append([]any{"op", op, "err", err}, attrs...)...)
	if r.spool == nil {
		return
	}
	// The write may have failed on its own deadline.
	ctx, cancel := r.writeCtx(ctx)
	defer cancel()
	if serr := r.spool.Enqueue(ctx, op, v); serr != nil {
		r.logger.Error("spool enqueue failed", "op", op, "err", serr)
	}
}

// ReplaySpool drains spooled writes into the store, oldest first. It stops at
// the first retryable failure so ordering between a session's writes is kept.
// A write that is undeliverable, or has failed maxAttempts times, moves to
// the dead-letter table and replay continues.
func (r *Recorder) ReplaySpool(ctx context.Context) (int, error) {
	if r.spool == nil {
		return 0, nil
	}
	pending, err := r.spool.Pending(ctx, 100)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, w := range pending {
		wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		err := w.Apply(wctx, r.store)
		cancel()
		if err != nil {
			if errors.Is(err, ErrUndeliverable) || w.Attempts+1 >= r.maxAttempts {
				if derr := r.spool.DeadLetter(ctx, w, err); derr != nil {
					return replayed, derr
				}
				metrics.SpoolDeadLettered.WithLabelValues(w.Op).Inc()
				r.logger.Error("spooled write dead-lettered",
					"id", w.ID,
					"op", w.Op,
					"attempts", w.Attempts+1,
					"err", err,
				)
				continue
			}
			if ferr := r.spool.Fail(ctx, w.ID, err); ferr != nil {
				r.logger.Warn("spool: record failure", "id", w.ID, "err", ferr)
			}
			return replayed, err
		}
		if err := r.spool.Ack(ctx, w.ID); err != nil {
			return replayed, err
		}
		replayed++
		metrics.SpoolReplayed.Inc()
	}
	return replayed, nil
}

// RunReplay periodically drains the spool until ctx is cancelled. Run it
// inside server.RunWithRecovery.
func (r *Recorder) RunReplay(ctx context.Context, interval time.Duration) {
	if r.spool == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReplaySpool(ctx)
			if err != nil {
				r.logger.Warn("spool replay stopped", "replayed", n, "err", err)
				continue
			}
			if n > 0 {
				r.logger.Info("spool replayed", "count", n)
			}
		}
	}
}
