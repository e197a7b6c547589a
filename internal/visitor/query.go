package visitor

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// VisitorFilter narrows the admin visitor listing. Zero values mean no bound.
type VisitorFilter struct {
	RiskLevel RiskLevel
	Since     time.Time
	Until     time.Time
	Limit     int
}

// EventFilter narrows the security event listing.
type EventFilter struct {
	Since    time.Time
	Severity Severity
	Limit    int
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}

// Stats summarizes stored visitors for the dashboard.
type Stats struct {
	TotalVisitors   int64               `json:"total_visitors"`
	ByRiskLevel     map[RiskLevel]int64 `json:"by_risk_level"`
	Events24h       int64               `json:"security_events_24h"`
	ActiveBlacklist int64               `json:"active_blacklist"`
	LiveSessions    int                 `json:"live_sessions"`
}
