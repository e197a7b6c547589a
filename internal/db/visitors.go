package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

const visitorColumns = `session_id, schema_version, fingerprint, ip_address, country, city, isp,
	is_employee, employee_id, is_incognito, blacklisted,
	mouse_movements, keyboard_events, scroll_events, idle_time, total_time,
	risk_score, risk_level, suspicious_flags, snapshot, created_at, updated_at`

// InsertVisitor stores a new snapshot. Replaying the same session overwrites
// the earlier row so spooled retries are idempotent.
func (db *DB) InsertVisitor(ctx context.Context, s *visitor.Snapshot) error {
	args, err := visitorArgs(s)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO visitor_tracking (`+visitorColumns+`)
		 VALUES ($1, $2, $3, NULLIF($4, '')::inet, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (session_id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			ip_address = EXCLUDED.ip_address,
			country = EXCLUDED.country,
			city = EXCLUDED.city,
			isp = EXCLUDED.isp,
			is_employee = EXCLUDED.is_employee,
			employee_id = EXCLUDED.employee_id,
			is_incognito = EXCLUDED.is_incognito,
			blacklisted = EXCLUDED.blacklisted,
			mouse_movements = EXCLUDED.mouse_movements,
			keyboard_events = EXCLUDED.keyboard_events,
			scroll_events = EXCLUDED.scroll_events,
			idle_time = EXCLUDED.idle_time,
			total_time = EXCLUDED.total_time,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			suspicious_flags = EXCLUDED.suspicious_flags,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		args...)
	return err
}

// UpdateVisitor overwrites the mutable fields of an existing snapshot.
func (db *DB) UpdateVisitor(ctx context.Context, s *visitor.Snapshot) error {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE visitor_tracking SET
			mouse_movements = $2, keyboard_events = $3, scroll_events = $4,
			idle_time = $5, total_time = $6,
			risk_score = $7, risk_level = $8, suspicious_flags = $9,
			snapshot = $10, updated_at = $11
		 WHERE session_id = $1`,
		s.SessionID, s.MouseMoves, s.KeyboardEvents, s.ScrollEvents,
		s.IdleSeconds, s.TotalSeconds,
		s.RiskScore, string(s.RiskLevel), flags(s.SuspiciousFlags),
		snapshot, timestamp(s.UpdatedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVisitors returns snapshots newest first.
func (db *DB) ListVisitors(ctx context.Context, f visitor.VisitorFilter) ([]visitor.Snapshot, error) {
	query := `SELECT snapshot FROM visitor_tracking WHERE TRUE`
	args := []any{}
	if f.RiskLevel != "" {
		args = append(args, string(f.RiskLevel))
		query += fmt.Sprintf(` AND risk_level = $%d`, len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	args = append(args, visitor.ClampLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []visitor.Snapshot{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var s visitor.Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns per-level visitor counts plus event and blacklist totals.
func (db *DB) Stats(ctx context.Context, now time.Time) (visitor.Stats, error) {
	st := visitor.Stats{ByRiskLevel: map[visitor.RiskLevel]int64{}}

	rows, err := db.Pool.Query(ctx, `SELECT risk_level, COUNT(*) FROM visitor_tracking GROUP BY risk_level`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByRiskLevel[visitor.RiskLevel(level)] = n
		st.TotalVisitors += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = db.Pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM security_events WHERE created_at > $1),
			(SELECT COUNT(*) FROM ip_blacklist WHERE expires_at IS NULL OR expires_at > $2)`,
		now.Add(-24*time.Hour), now,
	).Scan(&st.Events24h, &st.ActiveBlacklist)
	return st, err
}

func visitorArgs(s *visitor.Snapshot) ([]any, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	version := s.Version
	if version == 0 {
		version = visitor.SchemaVersion
	}
	level := s.RiskLevel
	if level == "" {
		level = visitor.RiskLow
	}
	return []any{
		s.SessionID, version, s.Fingerprint, s.IPAddress, s.Country, s.City, s.ISP,
		s.IsEmployee, s.EmployeeID, s.IsIncognito, s.Blacklisted,
		s.MouseMoves, s.KeyboardEvents, s.ScrollEvents, s.IdleSeconds, s.TotalSeconds,
		s.RiskScore, string(level), flags(s.SuspiciousFlags), snapshot,
		timestamp(s.CreatedAt), timestamp(s.UpdatedAt),
	}, nil
}

func flags(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
