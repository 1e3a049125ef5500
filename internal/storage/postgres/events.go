package postgres

import (
	"context"
	"fmt"

	"example.com/withme/internal/domain"
	"github.com/jackc/pgx/v5"
)

// appendLockKey names the advisory lock that serializes appends.
// Identity values are handed out at insert time but become visible at
// commit; holding the lock until commit keeps visibility in id order.
const appendLockKey int64 = 0x77697468_6d65

const eventColumns = "id, typo3_version, php_version, event_type, project_hash, os, city, country, latitude, longitude, created_at"

// Append inserts ev and returns its id.
func (db *DB) Append(ctx context.Context, ev *domain.Event) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return 0, fmt.Errorf("append lock: %w", err)
	}

	createdAt := db.now().UTC()
	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO events (typo3_version, php_version, event_type, project_hash, os, city, country, latitude, longitude, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		ev.TYPO3Version, ev.PHPVersion, string(ev.Type), ev.ProjectHash,
		ev.OS, ev.City, ev.Country, ev.Latitude, ev.Longitude, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	ev.ID, ev.CreatedAt = id, createdAt
	return id, nil
}

func (db *DB) QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", afterID, err)
	}
	return collectEvents(rows)
}

func (db *DB) Recent(ctx context.Context, n int) ([]domain.Event, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+eventColumns+" FROM events ORDER BY id DESC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ string
		if err := rows.Scan(&ev.ID, &ev.TYPO3Version, &ev.PHPVersion, &typ, &ev.ProjectHash,
			&ev.OS, &ev.City, &ev.Country, &ev.Latitude, &ev.Longitude, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
