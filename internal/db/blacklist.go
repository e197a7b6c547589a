package db

import (
	"context"
	"time"

	"github.com/clinic-ops/sentinel/internal/visitor"
)

// InsertBlacklistEntry creates an entry and sets its ID.
func (db *DB) InsertBlacklistEntry(ctx context.Context, e *visitor.BlacklistEntry) error {
	return db.Pool.QueryRow(ctx,
		`INSERT INTO ip_blacklist (ip_address, reason, block_type, created_by, created_at, expires_at)
		 VALUES ($1::inet, $2, $3, $4, $5, $6)
		 RETURNING id`,
		e.IPAddress, e.Reason, string(e.BlockType), e.CreatedBy, timestamp(e.CreatedAt), e.ExpiresAt,
	).Scan(&e.ID)
}

const blacklistColumns = `id, host(ip_address), reason, block_type, created_by, created_at, expires_at`

// GetBlacklistEntry returns one entry, active or not.
func (db *DB) GetBlacklistEntry(ctx context.Context, id int64) (*visitor.BlacklistEntry, error) {
	e, err := scanBlacklist(db.Pool.QueryRow(ctx,
		`SELECT `+blacklistColumns+` FROM ip_blacklist WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// DeleteBlacklistEntry removes an entry.
func (db *DB) DeleteBlacklistEntry(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ip_blacklist WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveBlacklist returns all non-expired entries, newest first.
func (db *DB) ListActiveBlacklist(ctx context.Context, now time.Time) ([]visitor.BlacklistEntry, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+blacklistColumns+`
		 FROM ip_blacklist
		 WHERE (expires_at IS NULL OR expires_at > $1)
		 ORDER BY created_at DESC, id DESC LIMIT 1000`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []visitor.BlacklistEntry{}
	for rows.Next() {
		e, err := scanBlacklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsIPBlacklisted reports whether an active entry exists for ip.
func (db *DB) IsIPBlacklisted(ctx context.Context, ip string, now time.Time) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ip_blacklist
			WHERE ip_address = $1::inet
			  AND (expires_at IS NULL OR expires_at > $2)
		)`, ip, now,
	).Scan(&exists)
	return exists, err
}

// PurgeExpiredBlacklist deletes entries whose expiry has passed.
func (db *DB) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM ip_blacklist WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanBlacklist(row scanner) (*visitor.BlacklistEntry, error) {
	var e visitor.BlacklistEntry
	var blockType string
	if err := row.Scan(&e.ID, &e.IPAddress, &e.Reason, &blockType, &e.CreatedBy, &e.CreatedAt, &e.ExpiresAt); err != nil {
		return nil, err
	}
	e.BlockType = visitor.BlockType(blockType)
	return &e, nil
}
