package enforce

import (
	"context"
	"time"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

// Store persists visitor snapshots, security events and blacklist entries.
// Security events are append-only: there is no update or delete for them.
type Store interface {
	InsertVisitor(ctx context.Context, s *visitor.Snapshot) error
	UpdateVisitor(ctx context.Context, s *visitor.Snapshot) error

	InsertSecurityEvent(ctx context.Context, ev *visitor.SecurityEvent) error

	InsertBlacklistEntry(ctx context.Context, e *visitor.BlacklistEntry) error
	GetBlacklistEntry(ctx context.Context, id int64) (*visitor.BlacklistEntry, error)
	DeleteBlacklistEntry(ctx context.Context, id int64) error
	ListActiveBlacklist(ctx context.Context, now time.Time) ([]visitor.BlacklistEntry, error)
	IsIPBlacklisted(ctx context.Context, ip string, now time.Time) (bool, error)
	PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error)
}

// Querier serves the read side of the admin dashboard.
type Querier interface {
	ListVisitors(ctx context.Context, f visitor.VisitorFilter) ([]visitor.Snapshot, error)
	ListSecurityEvents(ctx context.Context, f visitor.EventFilter) ([]visitor.SecurityEvent, error)
	GetSecurityEvent(ctx context.Context, id int64) (*visitor.SecurityEvent, error)
	Stats(ctx context.Context, now time.Time) (visitor.Stats, error)
}
