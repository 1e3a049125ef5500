// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock. Pass its Now method wherever
// production code takes a func() time.Time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
