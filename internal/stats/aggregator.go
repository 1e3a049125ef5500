// Package stats serves dashboard statistics from a TTL-bounded snapshot.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"example.com/withme/internal/domain"
	"golang.org/x/sync/singleflight"
)

const (
	TopVersions  = 10
	TopCountries = 20
	RecentCount  = 10

	computeTimeout = 10 * time.Second
)

// Source is the read side of the event store used for aggregation.
type Source interface {
	CountTotal(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	CountByVersion(ctx context.Context, limit int) (domain.RankedCounts, error)
	CountByCountry(ctx context.Context, limit int) (domain.RankedCounts, error)
	Recent(ctx context.Context, n int) ([]domain.Event, error)
}

// Snapshot is an immutable set of statistics. It is never modified after
// it is published.
type Snapshot struct {
	TotalInstalls int64                `json:"total_installs"`
	TodayCount    int64                `json:"today_count"`
	Versions      domain.RankedCounts  `json:"versions"`
	Countries     domain.RankedCounts  `json:"countries"`
	Recent        []domain.PublicEvent `json:"recent"`
	ComputedAt    time.Time            `json:"computed_at"`
}

type Aggregator struct {
	src    Source
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

func New(src Source, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Aggregator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{src: src, ttl: ttl, now: now, logger: logger.With("component", "stats")}
}

func (a *Aggregator) fresh(s *Snapshot) bool {
	return s != nil && a.now().Sub(s.ComputedAt) <= a.ttl
}

// Snapshot returns the cached snapshot, recomputing it first when it is
// missing or older than the TTL. Concurrent callers share one
// recomputation. If recomputation fails but an older snapshot exists, the
// older snapshot is returned unchanged, so its ComputedAt shows how stale
// it is, and the failure is logged with the snapshot's age.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := a.current.Load(); a.fresh(s) {
		return s, nil
	}
	s, err := a.refresh(ctx, false)
	if err != nil {
		if stale := a.current.Load(); stale != nil {
			a.logger.Warn("stats refresh failed, serving stale snapshot",
				"err", err,
				"computed_at", stale.ComputedAt,
				"age", a.now().Sub(stale.ComputedAt),
				"ttl", a.ttl,
			)
			return stale, nil
		}
		return nil, err
	}
	return s, nil
}

// refresh recomputes through the singleflight group. Unless force is set,
// a snapshot published by a flight that finished meanwhile is reused.
func (a *Aggregator) refresh(ctx context.Context, force bool) (*Snapshot, error) {
	v, err, _ := a.group.Do("snapshot", func() (any, error) {
		if s := a.current.Load(); !force && a.fresh(s) {
			return s, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		s, err := a.compute(cctx)
		if err != nil {
			return nil, err
		}
		a.current.Store(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (a *Aggregator) compute(ctx context.Context) (*Snapshot, error) {
	now := a.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	s := &Snapshot{ComputedAt: now}
	var err error
	if s.TotalInstalls, err = a.src.CountTotal(ctx); err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}
	if s.TodayCount, err = a.src.CountSince(ctx, startOfDay); err != nil {
		return nil, fmt.Errorf("today: %w", err)
	}
	if s.Versions, err = a.src.CountByVersion(ctx, TopVersions); err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	if s.Countries, err = a.src.CountByCountry(ctx, TopCountries); err != nil {
		return nil, fmt.Errorf("countries: %w", err)
	}
	recent, err := a.src.Recent(ctx, RecentCount)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	s.Recent = make([]domain.PublicEvent, 0, len(recent))
	for _, ev := range recent {
		s.Recent = append(s.Recent, ev.Public())
	}
	return s, nil
}

// Run refreshes the snapshot every TTL until ctx is done, so readers
// rarely pay for a recomputation.
func (a *Aggregator) Run(ctx context.Context) {
	if _, err := a.refresh(ctx, true); err != nil && ctx.Err() == nil {
		a.logger.Warn("initial stats refresh failed", "err", err)
	}
	t := time.NewTicker(a.ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.refresh(ctx, true); err != nil && ctx.Err() == nil {
				a.logger.Warn("stats refresh failed", "err", err)
			}
		}
	}
}
