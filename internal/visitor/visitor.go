// Package visitor defines the record shapes shared by the tracker, the scorer
// and the persistence layer: visitor snapshots, security events and IP
// blacklist entries.
package visitor

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// SchemaVersion is stamped on every snapshot written by this service.
const SchemaVersion = 1

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels so that comparisons like "above low" are explicit.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// ParseRiskLevel validates a level coming from a query string.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch l := RiskLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return l, true
	}
	return "", false
}

// Snapshot is the unit of record and of scoring for one tracking session.
// Optional enrichment and identity fields are pointers: nil means unknown.
type Snapshot struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`

	Fingerprint string `json:"fingerprint"`
	CanvasHash  string `json:"canvas_hash"`
	WebGLHash   string `json:"webgl_hash"`
	AudioHash   string `json:"audio_hash"`
	FontsHash   string `json:"fonts_hash"`

	IPAddress  string   `json:"ip_address"`
	Country    *string  `json:"country,omitempty"`
	Region     *string  `json:"region,omitempty"`
	City       *string  `json:"city,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	ISP        *string  `json:"isp,omitempty"`
	Timezone   *string  `json:"timezone,omitempty"`
	PostalCode *string  `json:"postal_code,omitempty"`
	IsProxy    *bool    `json:"is_proxy,omitempty"`
	IsVPN      *bool    `json:"is_vpn,omitempty"`
	IsTor      *bool    `json:"is_tor,omitempty"`

	UserAgent           string  `json:"user_agent"`
	Browser             string  `json:"browser,omitempty"`
	BrowserVersion      string  `json:"browser_version,omitempty"`
	OS                  string  `json:"os,omitempty"`
	DeviceType          string  `json:"device_type,omitempty"`
	Language            string  `json:"language,omitempty"`
	ScreenResolution    string  `json:"screen_resolution,omitempty"`
	HardwareConcurrency int     `json:"hardware_concurrency,omitempty"`
	DeviceMemory        float64 `json:"device_memory,omitempty"`
	DeviceTimezone      string  `json:"device_timezone,omitempty"`

	MouseMoves     int64     `json:"mouse_movements"`
	KeyboardEvents int64     `json:"keyboard_events"`
	ScrollEvents   int64     `json:"scroll_events"`
	TouchEvents    int64     `json:"touch_events"`
	IdleSeconds    int64     `json:"idle_time"`
	TotalSeconds   int64     `json:"total_time"`
	LastActivityAt time.Time `json:"last_activity_at"`

	IsEmployee          bool    `json:"is_employee"`
	EmployeeID          *string `json:"employee_id,omitempty"`
	FailedLoginAttempts int     `json:"failed_login_attempts"`

	IsIncognito      bool `json:"is_incognito"`
	TimezoneMismatch bool `json:"timezone_mismatch"`
	Blacklisted      bool `json:"blacklisted"`

	// LocalHour is the visitor's local hour (0-23) as reported by the page.
	// -1 when unknown.
	LocalHour int `json:"local_hour"`

	RiskScore       int       `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	SuspiciousFlags []string  `json:"suspicious_flags"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interactions is the total number of pointer, keyboard and scroll events.
func (s *Snapshot) Interactions() int64 {
	return s.MouseMoves + s.KeyboardEvents + s.ScrollEvents
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	if s.SuspiciousFlags != nil {
		s.SuspiciousFlags = append([]string(nil), s.SuspiciousFlags...)
	}
	return s
}

// Severity of a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a risk level onto an event severity.
func SeverityFor(l RiskLevel) Severity {
	switch l {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

const (
	EventSuspiciousVisitor   = "suspicious_visitor"
	EventIPBlocked           = "ip_blocked"
	EventBlacklistedIPAccess = "blacklisted_ip_access"
	EventRiskEscalation      = "risk_escalation"
)

// SecurityEvent is append-only once written.
type SecurityEvent struct {
	ID          int64          `json:"id"`
	// EventID is assigned by the writer and makes the insert idempotent.
	EventID     string         `json:"event_id,omitempty"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	IPAddress   string         `json:"ip_address"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SuspiciousVisitorEvent builds the event emitted when a scored snapshot
// warrants attention.
func SuspiciousVisitorEvent(s Snapshot, eventType string) SecurityEvent {
	title := "Suspicious visitor detected"
	if eventType == EventRiskEscalation {
		title = "Visitor risk escalated"
	}
	return SecurityEvent{
		EventType:   eventType,
		Severity:    SeverityFor(s.RiskLevel),
		IPAddress:   s.IPAddress,
		Fingerprint: s.Fingerprint,
		SessionID:   s.SessionID,
		Title:       title,
		Description: fmt.Sprintf("Risk score %d (%s): %s", s.RiskScore, s.RiskLevel, strings.Join(s.SuspiciousFlags, ", ")),
		Metadata: map[string]any{
			"risk_score":       s.RiskScore,
			"risk_level":       string(s.RiskLevel),
			"suspicious_flags": append([]string(nil), s.SuspiciousFlags...),
			"session_id":       s.SessionID,
			"idle_time":        s.IdleSeconds,
			"total_time":       s.TotalSeconds,
		},
	}
}

// BlockType of a blacklist entry.
type BlockType string

const (
	BlockTemporary BlockType = "temporary"
	BlockPermanent BlockType = "permanent"
)

var (
	ErrInvalidIP        = errors.New("invalid ip address")
	ErrMissingReason    = errors.New("reason is required")
	ErrInvalidBlockType = errors.New("block type must be temporary or permanent")
	ErrInvalidDuration  = errors.New("temporary blocks need a positive duration")
)

// BlacklistEntry is an administrator-created suppression record for an IP.
type BlacklistEntry struct {
	ID        int64      `json:"id"`
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason"`
	BlockType BlockType  `json:"block_type"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// NewBlacklistEntry validates its inputs and derives the expiry: permanent
// entries never expire, temporary ones expire now+d.
func NewBlacklistEntry(ip, reason string, bt BlockType, d time.Duration, createdBy string, now time.Time) (BlacklistEntry, error) {
	ip = strings.TrimSpace(ip)
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return BlacklistEntry{}, ErrInvalidIP
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return BlacklistEntry{}, ErrMissingReason
	}
	e := BlacklistEntry{
		IPAddress: parsed.String(),
		Reason:    reason,
		BlockType: bt,
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	switch bt {
	case BlockPermanent:
	case BlockTemporary:
		if d <= 0 {
			return BlacklistEntry{}, ErrInvalidDuration
		}
		exp := now.Add(d)
		e.ExpiresAt = &exp
	default:
		return BlacklistEntry{}, ErrInvalidBlockType
	}
	return e, nil
}

// Active reports whether the entry still suppresses its IP at now.
func (e BlacklistEntry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}
