package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

// InsertSecurityEvent appends an event and sets its ID and CreatedAt. An
// event whose EventID is already stored is not inserted again; ev receives
// the stored row's ID and CreatedAt instead.
func (db *DB) InsertSecurityEvent(ctx context.Context, ev *visitor.SecurityEvent) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO security_events (event_id, event_type, severity, ip_address, fingerprint, session_id, title, description, metadata, created_at)
		 VALUES (NULLIF($1, '')::uuid, $2, $3, NULLIF($4, '')::inet, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO NOTHING
		 RETURNING id, created_at`,
		ev.EventID, ev.EventType, string(ev.Severity), ev.IPAddress, ev.Fingerprint, ev.SessionID,
		ev.Title, ev.Description, metaJSON, timestamp(ev.CreatedAt),
	).Scan(&ev.ID, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) && ev.EventID != "" {
		return db.Pool.QueryRow(ctx,
			`SELECT id, created_at FROM security_events WHERE event_id = $1::uuid`, ev.EventID,
		).Scan(&ev.ID, &ev.CreatedAt)
	}
	return err
}

const eventColumns = `id, COALESCE(event_id::text, ''), event_type, severity, host(ip_address), fingerprint, session_id, title, description, metadata, created_at`

// ListSecurityEvents returns events newest first.
func (db *DB) ListSecurityEvents(ctx context.Context, f visitor.EventFilter) ([]visitor.SecurityEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events WHERE TRUE`
	args := []any{}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		query += fmt.Sprintf(` AND severity = $%d`, len(args))
	}
	args = append(args, visitor.ClampLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []visitor.SecurityEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSecurityEvent returns one event by ID.
func (db *DB) GetSecurityEvent(ctx context.Context, id int64) (*visitor.SecurityEvent, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return ev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*visitor.SecurityEvent, error) {
	var ev visitor.SecurityEvent
	var severity string
	var ip, fingerprint, sessionID *string
	var meta []byte
	var createdAt time.Time
	if err := row.Scan(&ev.ID, &ev.EventID, &ev.EventType, &severity, &ip, &fingerprint, &sessionID, &ev.Title, &ev.Description, &meta, &createdAt); err != nil {
		return nil, err
	}
	ev.Severity = visitor.Severity(severity)
	ev.IPAddress = derefString(ip)
	ev.Fingerprint = derefString(fingerprint)
	ev.SessionID = derefString(sessionID)
	ev.CreatedAt = createdAt
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &ev, nil
}
