// Package tracker runs the per-session behavior state machine: it builds the
// initial snapshot, counts input events, detects idle onset, re-scores on a
// fixed period and persists every change through the recorder.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/fingerprint"
	"github.com/clinic-ops/sentinel/internal/geo"
	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/netguard"
	"github.com/clinic-ops/sentinel/internal/risk"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrBlacklisted     = errors.New("ip address is blacklisted")
	ErrUnknownEvent    = errors.New("unknown input event kind")
	ErrShuttingDown    = errors.New("tracker is shutting down")
)

const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultTickInterval   = 60 * time.Second
	DefaultContactTimeout = 10 * time.Minute
	DefaultMaxSessionAge  = 12 * time.Hour
)

// Recorder persists snapshots and events. Implementations must not block for
// long and must not return errors to the tracker.
type Recorder interface {
	RecordVisitor(ctx context.Context, s visitor.Snapshot)
	UpdateVisitor(ctx context.Context, sessionID string, s visitor.Snapshot)
	ReportSuspiciousVisitor(ctx context.Context, s visitor.Snapshot)
	ReportEvent(ctx context.Context, ev visitor.SecurityEvent)
}

// BlacklistChecker answers whether an IP is actively blacklisted.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, ip string) (bool, error)
}

// GeoResolver enriches an IP. A nil record means unknown.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *geo.Record
}

// Config controls session timing and blacklist policy.
type Config struct {
	IdleTimeout  time.Duration
	TickInterval time.Duration
	// ContactTimeout ends a session that has sent neither input nor a
	// heartbeat for this long. Checked on each tick.
	ContactTimeout time.Duration
	// MaxSessionAge ends a session this long after it started.
	MaxSessionAge     time.Duration
	RejectBlacklisted bool
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ContactTimeout <= 0 {
		c.ContactTimeout = DefaultContactTimeout
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = DefaultMaxSessionAge
	}
	return c
}

// StartRequest carries everything the page reports when a session begins.
type StartRequest struct {
	SessionID           string
	IPAddress           string
	UserAgent           string
	Language            string
	DeviceTimezone      string
	LocalHour           *int
	StorageQuota        int64
	Probes              fingerprint.Probes
	IsEmployee          bool
	EmployeeID          string
	FailedLoginAttempts int
}

// Manager owns the registry of live sessions.
type Manager struct {
	cfg       Config
	geo       GeoResolver
	recorder  Recorder
	blacklist BlacklistChecker
	clock     clockwork.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{}
	closed   bool
}

// NewManager creates a session manager. geo and blacklist may be nil.
func NewManager(cfg Config, geo GeoResolver, recorder Recorder, blacklist BlacklistChecker, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		geo:       geo,
		recorder:  recorder,
		blacklist: blacklist,
		clock:     clock,
		logger:    logger,
		sessions:  make(map[string]*Session),
		pending:   make(map[string]struct{}),
	}
}

// Start initializes a session: fingerprint, enrichment, blacklist check,
// first score and first persist, then arms the idle and tick timers.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	registered := false
	defer func() {
		if !registered {
			m.release(id)
		}
	}()

	ip := netguard.NormalizeIP(req.IPAddress)
	fp := fingerprint.Compute(req.Probes)
	for _, perr := range fp.Errors {
		m.logger.Debug("fingerprint probe degraded", "session_id", id, "probe", perr.Probe, "kind", perr.Kind)
	}
	browser := fingerprint.ParseUserAgent(req.UserAgent)

	var rec *geo.Record
	if m.geo != nil {
		began := time.Now()
		rec = m.geo.Resolve(ctx, ip)
		metrics.GeoLookupDuration.Observe(time.Since(began).Seconds())
	}

	blacklisted := false
	if m.blacklist != nil && ip != "" {
		var err error
		blacklisted, err = m.blacklist.IsBlacklisted(ctx, ip)
		if err != nil {
			m.logger.Warn("blacklist check failed", "session_id", id, "ip", ip, "err", err)
			blacklisted = false
		}
	}

	now := m.clock.Now().UTC()
	snap := visitor.Snapshot{
		Version:             visitor.SchemaVersion,
		SessionID:           id,
		Fingerprint:         fp.Fingerprint,
		CanvasHash:          fp.CanvasHash,
		WebGLHash:           fp.WebGLHash,
		AudioHash:           fp.AudioHash,
		FontsHash:           fp.FontsHash,
		IPAddress:           ip,
		UserAgent:           req.UserAgent,
		Browser:             browser.Name,
		BrowserVersion:      browser.Version,
		OS:                  browser.OS,
		DeviceType:          browser.DeviceType,
		Language:            req.Language,
		ScreenResolution:    fp.Screen.Resolution(),
		HardwareConcurrency: fp.Hardware.Concurrency,
		DeviceMemory:        fp.Hardware.DeviceMemoryGB,
		DeviceTimezone:      req.DeviceTimezone,
		IsEmployee:          req.IsEmployee,
		FailedLoginAttempts: req.FailedLoginAttempts,
		IsIncognito:         fingerprint.DetectIncognito(req.StorageQuota, browser.Name),
		Blacklisted:         blacklisted,
		LocalHour:           -1,
		LastActivityAt:      now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.LocalHour != nil && *req.LocalHour >= 0 && *req.LocalHour < 24 {
		snap.LocalHour = *req.LocalHour
	}
	if req.EmployeeID != "" {
		empID := req.EmployeeID
		snap.EmployeeID = &empID
	}
	applyGeo(&snap, rec)
	risk.Apply(&snap)
	metrics.RiskAssessments.WithLabelValues(string(snap.RiskLevel)).Inc()

	if blacklisted {
		m.recorder.ReportEvent(ctx, blacklistedAccessEvent(snap, m.cfg.RejectBlacklisted))
		if m.cfg.RejectBlacklisted {
			m.logger.Info("session rejected for blacklisted ip", "session_id", id, "ip", ip)
			return nil, ErrBlacklisted
		}
	}

	m.recorder.RecordVisitor(ctx, snap)

	s := newSession(m, snap)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.releaseTimers()
		s.cancelWrites()
		return nil, ErrShuttingDown
	}
	delete(m.pending, id)
	m.sessions[id] = s
	registered = true
	m.mu.Unlock()

	go s.run()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("session started",
		"session_id", id,
		"ip", ip,
		"risk_score", snap.RiskScore,
		"risk_level", snap.RiskLevel,
		"flags", snap.SuspiciousFlags,
	)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// End terminates a live session and flushes its final snapshot.
func (m *Manager) End(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops accepting sessions and terminates every live one, or gives
// up when ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range live {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.Stop()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("tracker stopped", "sessions", len(live))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	if _, ok := m.sessions[id]; ok {
		return ErrSessionExists
	}
	if _, ok := m.pending[id]; ok {
		return ErrSessionExists
	}
	m.pending[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		metrics.SessionsActive.Dec()
	}
	m.mu.Unlock()
}

func applyGeo(s *visitor.Snapshot, rec *geo.Record) {
	if rec == nil {
		return
	}
	s.Country = nonEmpty(rec.Country)
	s.Region = nonEmpty(rec.Region)
	s.City = nonEmpty(rec.City)
	s.ISP = nonEmpty(rec.ISP)
	s.Timezone = nonEmpty(rec.Timezone)
	s.PostalCode = nonEmpty(rec.PostalCode)
	if rec.HasCoords {
		lat, lon := rec.Latitude, rec.Longitude
		s.Latitude, s.Longitude = &lat, &lon
	}
	s.IsProxy, s.IsVPN, s.IsTor = rec.Proxy, rec.VPN, rec.Tor
}

func nonEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func blacklistedAccessEvent(s visitor.Snapshot, rejected bool) visitor.SecurityEvent {
	desc := "Session started from a blacklisted IP address"
	if rejected {
		desc = "Session rejected: IP address is blacklisted"
	}
	return visitor.SecurityEvent{
		EventType:   visitor.EventBlacklistedIPAccess,
		Severity:    visitor.SeverityHigh,
		IPAddress:   s.IPAddress,
		Fingerprint: s.Fingerprint,
		SessionID:   s.SessionID,
		Title:       "Blacklisted IP access",
		Description: desc,
		Metadata: map[string]any{
			"session_id": s.SessionID,
			"risk_score": s.RiskScore,
			"risk_level": string(s.RiskLevel),
			"rejected":   rejected,
		},
	}
}
