package ratelimit

import "time"

// Window is the fixed-window counter for one identity.
type Window struct {
	Identity string    `json:"identity_hash"`
	Count    int       `json:"request_count"`
	Start    time.Time `json:"window_start"`
}

// Expired reports whether the window started more than length before now.
// An expired window is treated exactly like a missing one.
func (w Window) Expired(now time.Time, length time.Duration) bool {
	return w.Start.Before(now.Add(-length))
}

// Hit applies one request to the current window for identity (nil when no
// row exists) and returns the state to store and whether the request is
// admitted. A rejected request leaves the window unchanged.
func Hit(cur *Window, identity string, now time.Time, max int, length time.Duration) (Window, bool) {
	if cur == nil || cur.Expired(now, length) {
		return Window{Identity: identity, Count: 1, Start: now}, true
	}
	if cur.Count >= max {
		return *cur, false
	}
	next := *cur
	next.Count++
	return next, true
}
