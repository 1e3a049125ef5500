package postgres

import (
	"context"
	"fmt"
	"time"

	"example.com/withme/internal/domain"
)

func (db *DB) CountTotal(ctx context.Context) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*)::bigint FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (db *DB) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*)::bigint FROM events WHERE created_at >= $1", since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events since: %w", err)
	}
	return n, nil
}

func (db *DB) CountByVersion(ctx context.Context, limit int) (domain.RankedCounts, error) {
	return db.ranked(ctx, `
SELECT split_part(typo3_version, '.', 1) || '.' || split_part(typo3_version, '.', 2) AS ver, COUNT(*)::bigint AS cnt
FROM events
GROUP BY ver
ORDER BY cnt DESC, ver ASC
LIMIT $1`, limit)
}

func (db *DB) CountByCountry(ctx context.Context, limit int) (domain.RankedCounts, error) {
	return db.ranked(ctx, `
SELECT country, COUNT(*)::bigint AS cnt
FROM events
WHERE country IS NOT NULL
GROUP BY country
ORDER BY cnt DESC, country ASC
LIMIT $1`, limit)
}

func (db *DB) ranked(ctx context.Context, sql string, limit int) (domain.RankedCounts, error) {
	rows, err := db.Pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := domain.RankedCounts{}
	for rows.Next() {
		var c domain.Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
