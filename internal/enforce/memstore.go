package enforce

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

// MemoryStore is an in-process Store and Querier. It backs tests and the
// database-less development mode; data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	visitors  map[string]visitor.Snapshot
	order     []string
	events    []visitor.SecurityEvent
	eventIDs  map[string]int
	blacklist map[int64]visitor.BlacklistEntry
	nextID    int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors:  make(map[string]visitor.Snapshot),
		eventIDs:  make(map[string]int),
		blacklist: make(map[int64]visitor.BlacklistEntry),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) InsertVisitor(_ context.Context, s *visitor.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visitors[s.SessionID]; !ok {
		m.order = append(m.order, s.SessionID)
	}
	m.visitors[s.SessionID] = s.Clone()
	return nil
}

func (m *MemoryStore) UpdateVisitor(_ context.Context, s *visitor.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visitors[s.SessionID]; !ok {
		return visitor.ErrNotFound
	}
	m.visitors[s.SessionID] = s.Clone()
	return nil
}

// Visitor returns the stored snapshot for a session.
func (m *MemoryStore) Visitor(sessionID string) (visitor.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.visitors[sessionID]
	return s.Clone(), ok
}

func (m *MemoryStore) InsertSecurityEvent(_ context.Context, ev *visitor.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.eventIDs[ev.EventID]; ok && ev.EventID != "" {
		ev.ID, ev.CreatedAt = m.events[i].ID, m.events[i].CreatedAt
		return nil
	}
	ev.ID = m.id()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if ev.EventID != "" {
		m.eventIDs[ev.EventID] = len(m.events)
	}
	m.events = append(m.events, *ev)
	return nil
}

// Events returns every stored security event in insertion order.
func (m *MemoryStore) Events() []visitor.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]visitor.SecurityEvent(nil), m.events...)
}

func (m *MemoryStore) InsertBlacklistEntry(_ context.Context, e *visitor.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	m.blacklist[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetBlacklistEntry(_ context.Context, id int64) (*visitor.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.blacklist[id]
	if !ok {
		return nil, visitor.ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) DeleteBlacklistEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blacklist[id]; !ok {
		return visitor.ErrNotFound
	}
	delete(m.blacklist, id)
	return nil
}

func (m *MemoryStore) ListActiveBlacklist(_ context.Context, now time.Time) ([]visitor.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []visitor.BlacklistEntry
	for _, e := range m.blacklist {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) IsIPBlacklisted(_ context.Context, ip string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.blacklist {
		if e.IPAddress == ip && e.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PurgeExpiredBlacklist(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.blacklist {
		if !e.Active(now) {
			delete(m.blacklist, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListVisitors(_ context.Context, f visitor.VisitorFilter) ([]visitor.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := visitor.ClampLimit(f.Limit)
	out := []visitor.Snapshot{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.visitors[m.order[i]]
		if f.RiskLevel != "" && s.RiskLevel != f.RiskLevel {
			continue
		}
		if !f.Since.IsZero() && s.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !s.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryStore) ListSecurityEvents(_ context.Context, f visitor.EventFilter) ([]visitor.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := visitor.ClampLimit(f.Limit)
	out := []visitor.SecurityEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryStore) GetSecurityEvent(_ context.Context, id int64) (*visitor.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return &ev, nil
		}
	}
	return nil, visitor.ErrNotFound
}

func (m *MemoryStore) Stats(_ context.Context, now time.Time) (visitor.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := visitor.Stats{ByRiskLevel: map[visitor.RiskLevel]int64{}}
	for _, s := range m.visitors {
		st.TotalVisitors++
		st.ByRiskLevel[s.RiskLevel]++
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, ev := range m.events {
		if ev.CreatedAt.After(cutoff) {
			st.Events24h++
		}
	}
	for _, e := range m.blacklist {
		if e.Active(now) {
			st.ActiveBlacklist++
		}
	}
	return st, nil
}
