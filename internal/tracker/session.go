package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/risk"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

// Input event kinds forwarded by the page.
const (
	KindMouseMove  = "mousemove"
	KindKeyDown    = "keydown"
	KindScroll     = "scroll"
	KindTouchStart = "touchstart"
)

const maxBatch = 10000

// Session is one tracked tab. All state lives on a single goroutine; the
// exported methods talk to it over channels.
type Session struct {
	id string
	m  *Manager

	// inbox keeps input events and snapshot reads in arrival order.
	inbox chan func(*Session)
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	idleTimer clockwork.Timer
	ticker    clockwork.Ticker

	// Owned by run.
	snap         visitor.Snapshot
	startedAt    time.Time
	lastInput    time.Time
	lastContact  time.Time
	idle         bool
	idleBank     time.Duration
	maxLevel     visitor.RiskLevel
	ctx          context.Context
	cancelWrites context.CancelFunc
}

// newSession arms both timers before the goroutine starts, so a fake clock
// advanced right after Start already sees them.
func newSession(m *Manager, snap visitor.Snapshot) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           snap.SessionID,
		m:            m,
		inbox:        make(chan func(*Session), 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		snap:         snap,
		startedAt:    snap.CreatedAt,
		lastInput:    snap.CreatedAt,
		lastContact:  snap.CreatedAt,
		maxLevel:     snap.RiskLevel,
		ctx:          ctx,
		cancelWrites: cancel,
	}
	s.idleTimer = m.clock.NewTimer(m.cfg.IdleTimeout)
	s.ticker = m.clock.NewTicker(m.cfg.TickInterval)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Observe records count input events of the given kind. It never scores.
func (s *Session) Observe(kind string, count int) error {
	switch kind {
	case KindMouseMove, KindKeyDown, KindScroll, KindTouchStart:
	default:
		return ErrUnknownEvent
	}
	if count <= 0 {
		count = 1
	}
	if count > maxBatch {
		count = maxBatch
	}
	select {
	case <-s.stop:
		return ErrSessionClosed
	default:
	}
	n := int64(count)
	select {
	case s.inbox <- func(s *Session) { s.onInput(kind, n) }:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	}
}

// Heartbeat tells the session its client is still there. It keeps the
// session from being reaped but is not input: idle state and counters are
// untouched.
func (s *Session) Heartbeat() error {
	select {
	case <-s.stop:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- func(s *Session) { s.lastContact = s.m.clock.Now().UTC() }:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	}
}

// Snapshot returns a copy of the current snapshot with time counters brought
// up to date.
func (s *Session) Snapshot() (visitor.Snapshot, error) {
	out := make(chan visitor.Snapshot, 1)
	read := func(s *Session) {
		s.refreshTimes(s.m.clock.Now().UTC())
		out <- s.snap.Clone()
	}
	select {
	case s.inbox <- read:
	case <-s.stop:
		return visitor.Snapshot{}, ErrSessionClosed
	}
	select {
	case snap := <-out:
		return snap, nil
	case <-s.done:
		return visitor.Snapshot{}, ErrSessionClosed
	}
}

// Stop terminates the session: timers are cancelled and one final update is
// flushed. No write happens after Stop returns. Safe to call repeatedly.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer s.m.remove(s.id)
	defer s.cancelWrites()
	defer s.releaseTimers()

	for {
		// Timers and teardown take priority over queued input.
		select {
		case <-s.stop:
			s.terminate()
			return
		case <-s.idleTimer.Chan():
			s.onIdle()
			continue
		case <-s.ticker.Chan():
			if s.onTick() {
				return
			}
			continue
		default:
		}

		select {
		case <-s.stop:
			s.terminate()
			return
		case <-s.idleTimer.Chan():
			s.onIdle()
		case <-s.ticker.Chan():
			if s.onTick() {
				return
			}
		case fn := <-s.inbox:
			fn(s)
		}
	}
}

func (s *Session) releaseTimers() {
	s.idleTimer.Stop()
	s.ticker.Stop()
}

func (s *Session) onInput(kind string, n int64) {
	now := s.m.clock.Now().UTC()
	switch kind {
	case KindMouseMove:
		s.snap.MouseMoves += n
	case KindKeyDown:
		s.snap.KeyboardEvents += n
	case KindScroll:
		s.snap.ScrollEvents += n
	case KindTouchStart:
		s.snap.TouchEvents += n
	}
	if s.idle {
		s.idleBank += now.Sub(s.lastInput)
		s.idle = false
	}
	s.lastInput = now
	s.lastContact = now
	s.snap.LastActivityAt = now

	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.Chan():
		default:
		}
	}
	s.idleTimer.Reset(s.m.cfg.IdleTimeout)
}

// onIdle fires once per idle onset; only the next input re-arms the timer.
func (s *Session) onIdle() {
	now := s.m.clock.Now().UTC()
	s.idle = true
	s.refreshTimes(now)

	if s.snap.IsEmployee {
		s.m.logger.Debug("employee idle", "session_id", s.id, "idle_seconds", s.snap.IdleSeconds)
		return
	}

	s.rescore(now)
	if s.snap.RiskLevel.Rank() > visitor.RiskLow.Rank() {
		s.m.logger.Info("suspicious idle visitor",
			"session_id", s.id,
			"ip", s.snap.IPAddress,
			"risk_score", s.snap.RiskScore,
			"risk_level", s.snap.RiskLevel,
		)
		s.m.recorder.ReportSuspiciousVisitor(s.ctx, s.snap.Clone())
	}
}

// onTick re-scores and persists. It reports true when it ended the session
// instead.
func (s *Session) onTick() bool {
	now := s.m.clock.Now().UTC()
	if reason := s.expired(now); reason != "" {
		s.m.logger.Info("session reaped", "session_id", s.id, "reason", reason)
		s.once.Do(func() { close(s.stop) })
		s.terminate()
		return true
	}
	s.refreshTimes(now)
	s.rescore(now)
	s.m.recorder.UpdateVisitor(s.ctx, s.id, s.snap.Clone())

	level := s.snap.RiskLevel
	if s.snap.IsEmployee || level.Rank() <= s.maxLevel.Rank() {
		return false
	}
	prev := s.maxLevel
	s.maxLevel = level
	if level.Rank() >= visitor.RiskHigh.Rank() {
		ev := visitor.SuspiciousVisitorEvent(s.snap, visitor.EventRiskEscalation)
		ev.Metadata["previous_level"] = string(prev)
		s.m.recorder.ReportEvent(s.ctx, ev)
	}
	return false
}

func (s *Session) expired(now time.Time) string {
	switch {
	case now.Sub(s.lastContact) >= s.m.cfg.ContactTimeout:
		return "no_contact"
	case now.Sub(s.startedAt) >= s.m.cfg.MaxSessionAge:
		return "max_age"
	}
	return ""
}

func (s *Session) terminate() {
	// Input accepted before Stop still counts toward the final snapshot.
	for drained := false; !drained; {
		select {
		case fn := <-s.inbox:
			fn(s)
		default:
			drained = true
		}
	}
	now := s.m.clock.Now().UTC()
	s.releaseTimers()
	s.refreshTimes(now)
	s.rescore(now)
	s.m.recorder.UpdateVisitor(s.ctx, s.id, s.snap.Clone())
	s.m.logger.Info("session ended",
		"session_id", s.id,
		"total_seconds", s.snap.TotalSeconds,
		"idle_seconds", s.snap.IdleSeconds,
		"risk_level", s.snap.RiskLevel,
	)
}

func (s *Session) refreshTimes(now time.Time) {
	s.snap.TotalSeconds = int64(now.Sub(s.startedAt) / time.Second)
	idle := s.idleBank
	if s.idle {
		idle += now.Sub(s.lastInput)
	}
	s.snap.IdleSeconds = int64(idle / time.Second)
}

func (s *Session) rescore(now time.Time) {
	risk.Apply(&s.snap)
	s.snap.UpdatedAt = now
	metrics.RiskAssessments.WithLabelValues(string(s.snap.RiskLevel)).Inc()
}
