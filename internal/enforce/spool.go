package enforce

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clinic-ops/sentinel/internal/metrics"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

// Spooled operation kinds.
const (
	OpInsertVisitor = "insert_visitor"
	OpUpdateVisitor = "update_visitor"
	OpInsertEvent   = "insert_event"
)

const spoolSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	op         TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);
CREATE TABLE IF NOT EXISTS dead_letter (
	id         INTEGER PRIMARY KEY,
	op         TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	attempts   INTEGER NOT NULL,
	last_error TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	failed_at  INTEGER NOT NULL
);
`

// ErrUndeliverable marks a spooled write that no retry can apply, such as a
// payload that does not decode.
var ErrUndeliverable = errors.New("undeliverable spooled write")

// Spool is a local SQLite outbox for writes the primary store rejected.
type Spool struct {
	db *sql.DB
}

// SpooledWrite is one pending outbox row.
type SpooledWrite struct {
	ID       int64
	Op       string
	Payload  []byte
	Attempts int
}

// OpenSpool opens (or creates) the outbox database at path.
func OpenSpool(ctx context.Context, path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, spoolSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Enqueue stores a write for later replay.
func (s *Spool) Enqueue(ctx context.Context, op string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox(op, payload, created_at) VALUES(?, ?, ?)`,
		op, string(payload), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op, err)
	}
	return nil
}

// Pending returns up to limit of the oldest spooled writes.
func (s *Spool) Pending(ctx context.Context, limit int) ([]SpooledWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, payload, attempts FROM outbox ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []SpooledWrite
	for rows.Next() {
		var w SpooledWrite
		var payload string
		if err := rows.Scan(&w.ID, &w.Op, &payload, &w.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		w.Payload = []byte(payload)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Len returns the number of pending writes.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Ack removes a replayed write.
func (s *Spool) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// Fail records a failed replay attempt.
func (s *Spool) Fail(ctx context.Context, id int64, cause error) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, cause.Error(), id)
	return err
}

// DeadLetter moves a write out of the outbox so replay can move past it.
func (s *Spool) DeadLetter(ctx context.Context, w SpooledWrite, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dead_letter(id, op, payload, attempts, last_error, created_at, failed_at)
		 SELECT id, op, payload, attempts + 1, ?, created_at, ? FROM outbox WHERE id = ?`,
		cause.Error(), time.Now().Unix(), w.ID)
	if err != nil {
		return fmt.Errorf("dead letter %d: %w", w.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, w.ID); err != nil {
		return fmt.Errorf("dead letter %d: %w", w.ID, err)
	}
	return tx.Commit()
}

// DeadLen returns the number of dead-lettered writes.
func (s *Spool) DeadLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Apply replays one spooled write against store.
func (w SpooledWrite) Apply(ctx context.Context, store Store) error {
	switch w.Op {
	case OpInsertVisitor, OpUpdateVisitor:
		var snap visitor.Snapshot
		if err := json.Unmarshal(w.Payload, &snap); err != nil {
			return fmt.Errorf("%w: decode snapshot: %v", ErrUndeliverable, err)
		}
		if w.Op == OpInsertVisitor {
			return store.InsertVisitor(ctx, &snap)
		}
		err := store.UpdateVisitor(ctx, &snap)
		if errors.Is(err, visitor.ErrNotFound) {
			// The insert was lost too; the update carries the full row.
			return store.InsertVisitor(ctx, &snap)
		}
		return err
	case OpInsertEvent:
		var ev visitor.SecurityEvent
		if err := json.Unmarshal(w.Payload, &ev); err != nil {
			return fmt.Errorf("%w: decode event: %v", ErrUndeliverable, err)
		}
		if err := store.InsertSecurityEvent(ctx, &ev); err != nil {
			return err
		}
		metrics.SecurityEvents.WithLabelValues(ev.EventType).Inc()
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrUndeliverable, w.Op)
	}
}
