// Package risk turns a visitor snapshot into a bounded risk score, a level and
// the list of flags that contributed. Scoring is pure: it reads only the
// snapshot and never the clock or the network.
package risk

import (
	"github.com/clinic-ops/sentinel/internal/fingerprint"
	"github.com/clinic-ops/sentinel/internal/geo"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

// Flag names, in evaluation order.
const (
	FlagTimezoneMismatch     = "timezone_mismatch"
	FlagProxyDetected        = "proxy_detected"
	FlagTorDetected          = "tor_detected"
	FlagIdle30s              = "idle_30s"
	FlagIncognitoMode        = "incognito_mode"
	FlagAbnormalUA           = "abnormal_ua"
	FlagNoInteraction        = "no_interaction"
	FlagAbnormalFingerprint  = "abnormal_fingerprint"
	FlagLateNightAccess      = "late_night_access"
	FlagMultipleFailedLogins = "multiple_failed_logins"
)

const (
	MaxScore = 100

	idleThresholdSeconds  = 30
	noInteractionSeconds  = 10
	lateNightEndHour      = 6
	failedLoginsThreshold = 3
)

// Assessment is the result of scoring one snapshot.
type Assessment struct {
	Score int               `json:"risk_score"`
	Level visitor.RiskLevel `json:"risk_level"`
	Flags []string          `json:"suspicious_flags"`
}

// signal is one weighted rule.
type signal struct {
	flag   string
	weight int
	match  func(s *visitor.Snapshot) bool
}

var signals = []signal{
	{FlagTimezoneMismatch, 20, timezoneMismatch},
	{FlagProxyDetected, 25, func(s *visitor.Snapshot) bool { return isTrue(s.IsProxy) || isTrue(s.IsVPN) }},
	{FlagTorDetected, 30, func(s *visitor.Snapshot) bool { return isTrue(s.IsTor) }},
	{FlagIdle30s, 15, func(s *visitor.Snapshot) bool { return s.IdleSeconds >= idleThresholdSeconds && !s.IsEmployee }},
	{FlagIncognitoMode, 10, func(s *visitor.Snapshot) bool { return s.IsIncognito }},
	{FlagAbnormalUA, 15, func(s *visitor.Snapshot) bool { return AbnormalUserAgent(s.UserAgent) }},
	{FlagNoInteraction, 20, func(s *visitor.Snapshot) bool { return s.Interactions() == 0 && s.TotalSeconds > noInteractionSeconds }},
	{FlagAbnormalFingerprint, 15, abnormalFingerprint},
	{FlagLateNightAccess, 10, func(s *visitor.Snapshot) bool {
		return !s.IsEmployee && s.LocalHour >= 0 && s.LocalHour < lateNightEndHour
	}},
	{FlagMultipleFailedLogins, 25, func(s *visitor.Snapshot) bool { return s.FailedLoginAttempts >= failedLoginsThreshold }},
}

// Weight returns the score contribution of a flag, or 0 for unknown flags.
func Weight(flag string) int {
	for _, sig := range signals {
		if sig.flag == flag {
			return sig.weight
		}
	}
	return 0
}

// Score evaluates every signal against s. Same snapshot, same assessment.
func Score(s visitor.Snapshot) Assessment {
	total := 0
	flags := []string{}
	for _, sig := range signals {
		if sig.match(&s) {
			total += sig.weight
			flags = append(flags, sig.flag)
		}
	}
	if total > MaxScore {
		total = MaxScore
	}
	return Assessment{Score: total, Level: LevelFor(total), Flags: flags}
}

// Apply scores s and writes the result back into it.
func Apply(s *visitor.Snapshot) Assessment {
	s.TimezoneMismatch = timezoneMismatch(s)
	a := Score(*s)
	s.RiskScore = a.Score
	s.RiskLevel = a.Level
	s.SuspiciousFlags = append([]string(nil), a.Flags...)
	return a
}

// LevelFor maps a score onto its level: 70+ critical, 50+ high, 30+ medium.
func LevelFor(score int) visitor.RiskLevel {
	switch {
	case score >= 70:
		return visitor.RiskCritical
	case score >= 50:
		return visitor.RiskHigh
	case score >= 30:
		return visitor.RiskMedium
	default:
		return visitor.RiskLow
	}
}

func timezoneMismatch(s *visitor.Snapshot) bool {
	if s.Timezone == nil {
		return false
	}
	return geo.CheckTimezoneMatch(*s.Timezone, s.DeviceTimezone).Suspicious
}

func abnormalFingerprint(s *visitor.Snapshot) bool {
	for _, h := range []string{s.CanvasHash, s.WebGLHash, s.AudioHash, s.FontsHash} {
		if fingerprint.IsSentinel(h) {
			return true
		}
	}
	return false
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
