// Package stream delivers newly stored events to long-lived
// Server-Sent-Events connections.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"example.com/withme/internal/domain"
)

// Source is the read side of the event store used for streaming.
type Source interface {
	QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
}

// Writer is the connection a session writes to.
type Writer interface {
	io.Writer
	Flush() error
}

type Config struct {
	// PollInterval is both the store polling period and the keep-alive period.
	PollInterval time.Duration
	// MaxLifetime bounds one connection; clients reconnect with their cursor.
	MaxLifetime time.Duration
	// BatchSize is the QueryAfter limit per read.
	BatchSize int
	// Retry is the reconnect delay advertised to clients.
	Retry time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		MaxLifetime:  55 * time.Second,
		BatchSize:    20,
		Retry:        3 * time.Second,
	}
}

// Payload is the data line of one delivered event.
type Payload struct {
	City      *string          `json:"city"`
	Country   *string          `json:"country"`
	Version   string           `json:"version"`
	EventType domain.EventType `json:"event_type"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
}

func payloadOf(ev domain.Event) Payload {
	return Payload{
		City:      ev.City,
		Country:   ev.Country,
		Version:   ev.TYPO3Version,
		EventType: ev.Type,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
	}
}

type Broadcaster struct {
	src    Source
	hub    *Hub
	cfg    Config
	logger *slog.Logger
}

func NewBroadcaster(src Source, hub *Hub, cfg Config, logger *slog.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{src: src, hub: hub, cfg: cfg, logger: logger.With("component", "stream")}
}

func (b *Broadcaster) Config() Config { return b.cfg }

// ParseCursor reads a resume position. Missing, malformed or negative
// values start from 0.
func ParseCursor(lastEventID, lastIDParam string) int64 {
	v := strings.TrimSpace(lastEventID)
	if v == "" {
		v = strings.TrimSpace(lastIDParam)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Serve streams events with id > cursor to w until ctx is cancelled or
// the connection lifetime ends. Events go out in strictly increasing id
// order. A nil return means the session ended normally.
func (b *Broadcaster) Serve(ctx context.Context, w Writer, cursor int64) error {
	s := &session{
		b:      b,
		w:      w,
		cursor: cursor,
	}
	b.logger.Debug("stream opened", "cursor", cursor)
	err := s.run(ctx)
	b.logger.Debug("stream closed", "cursor", s.cursor, "err", err)
	return err
}

type session struct {
	b      *Broadcaster
	w      Writer
	cursor int64
}

func (s *session) run(ctx context.Context) error {
	cfg := s.b.cfg

	var wake chan struct{}
	if s.b.hub != nil {
		wake = s.b.hub.Subscribe()
		defer s.b.hub.Unsubscribe(wake)
	}

	lifetime := time.NewTimer(cfg.MaxLifetime)
	defer lifetime.Stop()
	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()

	if err := s.writeRetry(); err != nil {
		return err
	}

	for {
		expired, err := s.drain(ctx, lifetime.C)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if expired {
			return s.writeRetry()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-lifetime.C:
			if err := s.writeRetry(); err != nil {
				return err
			}
			return nil
		case <-wake:
		case <-poll.C:
			if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
				return err
			}
			if err := s.w.Flush(); err != nil {
				return err
			}
		}
	}
}

// drain delivers everything after the cursor, a batch at a time. It
// stops early, reporting expired, when the connection lifetime ends
// between two batches.
func (s *session) drain(ctx context.Context, lifetime <-chan time.Time) (bool, error) {
	for {
		events, err := s.b.src.QueryAfter(ctx, s.cursor, s.b.cfg.BatchSize)
		if err != nil {
			return false, fmt.Errorf("query after %d: %w", s.cursor, err)
		}
		start := s.cursor
		for _, ev := range events {
			if ev.ID <= s.cursor {
				continue
			}
			if err := s.writeEvent(ev); err != nil {
				return false, err
			}
			s.cursor = ev.ID
		}
		if s.cursor == start {
			return false, nil
		}
		if err := s.w.Flush(); err != nil {
			return false, err
		}
		if len(events) < s.b.cfg.BatchSize {
			return false, nil
		}
		select {
		case <-lifetime:
			return true, nil
		default:
		}
	}
}

func (s *session) writeEvent(ev domain.Event) error {
	data, err := json.Marshal(payloadOf(ev))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", ev.ID, data)
	return err
}

func (s *session) writeRetry() error {
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", s.b.cfg.Retry.Milliseconds()); err != nil {
		return err
	}
	return s.w.Flush()
}
