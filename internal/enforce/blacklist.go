package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/netguard"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

var (
	ErrNotFound             = visitor.ErrNotFound
	ErrConfirmationRequired = errors.New("unblock requires explicit confirmation")
)

// ValidationError rejects a block request before anything is persisted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BlockRequest is an administrator's request to suppress an IP.
type BlockRequest struct {
	IP        string
	Reason    string
	BlockType visitor.BlockType
	Duration  time.Duration
	CreatedBy string
}

// Blacklist manages IP blacklist entries. Blocking is advisory: it is
// recorded and surfaced to the tracker, never used to cut live sessions.
type Blacklist struct {
	store    Store
	recorder *Recorder
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewBlacklist creates a blacklist manager. The recorder receives the
// ip_blocked event for each new entry.
func NewBlacklist(store Store, recorder *Recorder, clock clockwork.Clock, logger *slog.Logger) *Blacklist {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Blacklist{store: store, recorder: recorder, clock: clock, logger: logger}
}

// BlockIP validates req and, if valid, stores the entry and an ip_blocked
// event. Invalid requests return *ValidationError and persist nothing.
func (b *Blacklist) BlockIP(ctx context.Context, req BlockRequest) (*visitor.BlacklistEntry, error) {
	now := b.clock.Now().UTC()
	entry, err := visitor.NewBlacklistEntry(req.IP, req.Reason, req.BlockType, req.Duration, req.CreatedBy, now)
	if err != nil {
		return nil, &ValidationError{Field: fieldFor(err), Err: err}
	}

	if err := b.store.InsertBlacklistEntry(ctx, &entry); err != nil {
		return nil, fmt.Errorf("insert blacklist entry: %w", err)
	}
	metrics.BlacklistActions.WithLabelValues("block").Inc()

	meta := map[string]any{
		"blacklist_id": entry.ID,
		"block_type":   string(entry.BlockType),
		"reason":       entry.Reason,
		"created_by":   entry.CreatedBy,
	}
	if entry.ExpiresAt != nil {
		meta["expires_at"] = entry.ExpiresAt.Format(time.RFC3339)
	}
	b.recorder.ReportEvent(ctx, visitor.SecurityEvent{
		EventType:   visitor.EventIPBlocked,
		Severity:    visitor.SeverityHigh,
		IPAddress:   entry.IPAddress,
		Title:       "IP address blocked",
		Description: fmt.Sprintf("%s blocked (%s) by %s: %s", entry.IPAddress, entry.BlockType, displayName(entry.CreatedBy), entry.Reason),
		Metadata:    meta,
		CreatedAt:   now,
	})

	b.logger.Info("ip blocked",
		"id", entry.ID,
		"ip", entry.IPAddress,
		"type", entry.BlockType,
		"created_by", entry.CreatedBy,
	)
	return &entry, nil
}

// UnblockIP removes an entry. confirmed must be true: removal is the
// destructive half of the workflow and needs an explicit second step.
func (b *Blacklist) UnblockIP(ctx context.Context, id int64, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := b.store.DeleteBlacklistEntry(ctx, id); err != nil {
		if errors.Is(err, visitor.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blacklist entry: %w", err)
	}
	metrics.BlacklistActions.WithLabelValues("unblock").Inc()
	b.logger.Info("ip unblocked", "id", id)
	return nil
}

// ActiveEntries lists entries that have not expired.
func (b *Blacklist) ActiveEntries(ctx context.Context) ([]visitor.BlacklistEntry, error) {
	return b.store.ListActiveBlacklist(ctx, b.clock.Now().UTC())
}

// IsBlacklisted reports whether an active entry covers ip.
func (b *Blacklist) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	ip = netguard.NormalizeIP(ip)
	if ip == "" {
		return false, nil
	}
	return b.store.IsIPBlacklisted(ctx, ip, b.clock.Now().UTC())
}

// PurgeExpired deletes expired temporary entries.
func (b *Blacklist) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := b.store.PurgeExpiredBlacklist(ctx, b.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.BlacklistActions.WithLabelValues("expire").Add(float64(n))
	}
	return n, nil
}

// RunPurge deletes expired entries every interval until ctx is cancelled.
func (b *Blacklist) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := b.PurgeExpired(ctx)
			if err != nil {
				b.logger.Error("blacklist purge failed", "err", err)
				continue
			}
			if n > 0 {
				b.logger.Info("expired blacklist entries purged", "count", n)
			}
		}
	}
}

func fieldFor(err error) string {
	switch {
	case errors.Is(err, visitor.ErrInvalidIP):
		return "ip_address"
	case errors.Is(err, visitor.ErrMissingReason):
		return "reason"
	case errors.Is(err, visitor.ErrInvalidBlockType):
		return "block_type"
	case errors.Is(err, visitor.ErrInvalidDuration):
		return "duration"
	default:
		return "request"
	}
}

func displayName(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown operator"
	}
	return s
}
