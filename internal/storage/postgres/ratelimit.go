package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// hitSQL creates, resets or increments the window in one statement. The
// WHERE on the update arm leaves a full live window untouched, in which
// case no row is returned. ON CONFLICT takes the row lock, so concurrent
// hits for one identity see each other's increments.
const hitSQL = `
INSERT INTO rate_limits AS rl (identity_hash, request_count, window_start)
VALUES ($1, 1, $2)
ON CONFLICT (identity_hash) DO UPDATE SET
    request_count = CASE WHEN rl.window_start < $3 THEN 1 ELSE rl.request_count + 1 END,
    window_start  = CASE WHEN rl.window_start < $3 THEN EXCLUDED.window_start ELSE rl.window_start END
WHERE rl.window_start < $3 OR rl.request_count < $4
RETURNING request_count`

func (db *DB) Hit(ctx context.Context, identity string, now time.Time, max int, window time.Duration) (bool, error) {
	var count int
	err := db.Pool.QueryRow(ctx, hitSQL, identity, now, now.Add(-window), max).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return true, nil
}

func (db *DB) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := db.Pool.Exec(ctx, "DELETE FROM rate_limits WHERE window_start < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge windows: %w", err)
	}
	return ct.RowsAffected(), nil
}
