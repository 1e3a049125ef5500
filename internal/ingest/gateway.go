// Package ingest admits, enriches and stores telemetry pings.
package ingest

import (
	"context"
	"log/slog"

	"example.com/withme/internal/domain"
	"example.com/withme/internal/geo"
	"example.com/withme/internal/identity"
	"example.com/withme/internal/storage"
)

// Admitter decides whether an identity may submit another event.
type Admitter interface {
	Admit(ctx context.Context, identity string) (bool, error)
}

// Notifier is told about every appended event id.
type Notifier interface {
	Notify(id int64)
}

type Gateway struct {
	store    storage.EventStore
	limiter  Admitter
	resolver geo.Resolver
	notifier Notifier
	logger   *slog.Logger
}

func NewGateway(store storage.EventStore, limiter Admitter, resolver geo.Resolver, notifier Notifier, logger *slog.Logger) *Gateway {
	if resolver == nil {
		resolver = geo.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		store:    store,
		limiter:  limiter,
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With("component", "ingest"),
	}
}

// Submit validates raw, charges the source's rate-limit window, enriches
// the event with a location and appends it. It returns the new event id.
//
// Errors: domain.ErrMalformedBody, *domain.ValidationError,
// domain.ErrRateLimited, *domain.StorageError. Nothing is retried.
func (g *Gateway) Submit(ctx context.Context, raw []byte, sourceAddr string) (int64, error) {
	ping, err := domain.DecodePing(raw)
	if err != nil {
		return 0, err
	}
	if errs := domain.ValidatePing(ping); len(errs) > 0 {
		return 0, &domain.ValidationError{Fields: errs}
	}

	key := identity.Hash(sourceAddr)
	ok, err := g.limiter.Admit(ctx, key)
	if err != nil {
		return 0, &domain.StorageError{Op: "rate limit", Err: err}
	}
	if !ok {
		g.logger.Debug("rate limited", "identity", key[:12])
		return 0, domain.ErrRateLimited
	}

	ev := ping.ToEvent()
	g.resolver.Resolve(ctx, sourceAddr).Apply(&ev)

	id, err := g.store.Append(ctx, &ev)
	if err != nil {
		return 0, &domain.StorageError{Op: "append", Err: err}
	}
	if g.notifier != nil {
		g.notifier.Notify(id)
	}
	g.logger.Info("event stored", "id", id, "event", ev.Type, "version", ev.TYPO3Version)
	return id, nil
}
