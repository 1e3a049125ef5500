package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store persists windows. Hit must apply the create-or-increment step
// atomically for a given identity; different identities need no
// coordination.
type Store interface {
	Hit(ctx context.Context, identity string, now time.Time, max int, window time.Duration) (bool, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("rate limit: max_requests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit: window must be positive, got %s", c.Window)
	}
	return nil
}

// Limiter admits at most MaxRequests per identity per fixed Window.
type Limiter struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store, cfg Config, now func() time.Time, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{store: store, cfg: cfg, now: now, logger: logger.With("component", "ratelimit")}, nil
}

// Admit records one request for identity and reports whether it fits in
// the current window.
func (l *Limiter) Admit(ctx context.Context, identity string) (bool, error) {
	ok, err := l.store.Hit(ctx, identity, l.now(), l.cfg.MaxRequests, l.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return ok, nil
}

// Run purges expired windows once per window length until ctx is done.
// Reads already ignore expired rows; this only reclaims space.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.Window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.store.PurgeExpired(ctx, l.now().Add(-l.cfg.Window))
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("purge expired windows failed", "err", err)
				}
				continue
			}
			if n > 0 {
				l.logger.Debug("purged expired windows", "count", n)
			}
		}
	}
}
