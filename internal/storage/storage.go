// Package storage defines the persistence contracts shared by the
// Postgres and bbolt backends.
package storage

import (
	"context"
	"time"

	"example.com/withme/internal/domain"
)

// EventStore is the append-only event log.
//
// Append assigns an id strictly greater than every id it assigned before
// and sets CreatedAt. The event is visible to QueryAfter before Append
// returns, and ids become visible in increasing order, so a reader that
// has seen id n will never later find an unseen id below n.
type EventStore interface {
	Append(ctx context.Context, ev *domain.Event) (int64, error)
	QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)

	CountTotal(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	// CountByVersion groups by the major.minor TYPO3 version, largest first.
	CountByVersion(ctx context.Context, limit int) (domain.RankedCounts, error)
	// CountByCountry groups by country code, largest first, skipping nulls.
	CountByCountry(ctx context.Context, limit int) (domain.RankedCounts, error)
	// Recent returns the n newest events, newest first.
	Recent(ctx context.Context, n int) ([]domain.Event, error)

	Ready(ctx context.Context) error
	Close()
}
