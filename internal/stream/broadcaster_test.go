package stream

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/withme/internal/domain"
	"example.com/withme/internal/testutil"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		city := "Zürich"
		m.events = append(m.events, domain.Event{ID: id, TYPO3Version: "13.4.2", Type: domain.EventUpdate, City: &city})
	}
}

func (m *memSource) QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, ev := range m.events {
		if ev.ID > afterID && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

// syncBuffer is a Writer safe to read while a session writes to it.
type syncBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Flush() error {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }
func (brokenWriter) Flush() error              { return nil }

func deliveredIDs(out string) []int64 {
	var ids []int64
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			ids = append(ids, n)
		}
	}
	return ids
}

func shortConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, MaxLifetime: 40 * time.Millisecond, BatchSize: 20, Retry: 3 * time.Second}
}

func TestServeResumesAfterCursor(t *testing.T) {
	src := &memSource{}
	src.add(1, 2, 3, 4, 5, 6, 7, 9)
	b := NewBroadcaster(src, nil, shortConfig(), testutil.Logger())

	var out syncBuffer
	if err := b.Serve(context.Background(), &out, 5); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	got := deliveredIDs(out.String())
	want := []int64{6, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
	if !strings.Contains(out.String(), `data: {"city":"Zürich","country":null,"version":"13.4.2","event_type":"update","latitude":null,"longitude":null}`) {
		t.Errorf("unexpected payload in:\n%s", out.String())
	}
}

func TestServeDrainsInBatches(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 50; i++ {
		src.add(i)
	}
	cfg := shortConfig()
	cfg.BatchSize = 7
	b := NewBroadcaster(src, nil, cfg, testutil.Logger())

	var out syncBuffer
	if err := b.Serve(context.Background(), &out, 0); err != nil {
		t.Fatal(err)
	}
	got := deliveredIDs(out.String())
	if len(got) != 50 {
		t.Fatalf("delivered %d events, want 50", len(got))
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("event %d has id %d", i, id)
		}
	}
}

func TestServeKeepAliveAndRetry(t *testing.T) {
	b := NewBroadcaster(&memSource{}, nil, shortConfig(), testutil.Logger())
	var out syncBuffer
	if err := b.Serve(context.Background(), &out, 0); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	if !strings.HasPrefix(s, "retry: 3000\n\n") {
		t.Errorf("no retry hint on connect:\n%s", s)
	}
	if !strings.HasSuffix(s, "retry: 3000\n\n") {
		t.Errorf("no retry hint on close:\n%s", s)
	}
	if !strings.Contains(s, ": keep-alive\n\n") {
		t.Errorf("no keep-alive:\n%s", s)
	}
}

func TestServeWakesOnNotify(t *testing.T) {
	src := &memSource{}
	hub := NewHub()
	cfg := Config{PollInterval: time.Hour, MaxLifetime: time.Hour, BatchSize: 20}
	b := NewBroadcaster(src, hub, cfg, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, &out, 0) }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	src.add(1)
	hub.Notify(1)
	for len(deliveredIDs(out.String())) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not pushed after notify")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve after disconnect: %v", err)
	}
	if hub.Len() != 0 {
		t.Error("subscription leaked after disconnect")
	}
}

func TestServeWriteError(t *testing.T) {
	src := &memSource{}
	src.add(1)
	b := NewBroadcaster(src, nil, shortConfig(), testutil.Logger())
	if err := b.Serve(context.Background(), brokenWriter{}, 0); err == nil {
		t.Error("write failure not reported")
	}
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		header, param string
		want          int64
	}{
		{"", "", 0},
		{"12", "", 12},
		{"", "7", 7},
		{"12", "7", 12},
		{"abc", "", 0},
		{"-4", "", 0},
		{" 5 ", "", 5},
	}
	for _, tc := range tests {
		if got := ParseCursor(tc.header, tc.param); got != tc.want {
			t.Errorf("ParseCursor(%q, %q) = %d, want %d", tc.header, tc.param, got, tc.want)
		}
	}
}

// slowSource makes every read take a little while, like a loaded database.
type slowSource struct {
	*memSource
	delay time.Duration
}

func (s slowSource) QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	time.Sleep(s.delay)
	return s.memSource.QueryAfter(ctx, afterID, limit)
}

func TestServeBacklogRespectsLifetime(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 3000; i++ {
		src.add(i)
	}
	b := NewBroadcaster(slowSource{memSource: src, delay: 2 * time.Millisecond}, nil, shortConfig(), testutil.Logger())

	var out syncBuffer
	if err := b.Serve(context.Background(), &out, 0); err != nil {
		t.Fatal(err)
	}
	got := deliveredIDs(out.String())
	if len(got) == 0 || len(got) >= 3000 {
		t.Fatalf("delivered %d of 3000 events within one lifetime", len(got))
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("event %d has id %d", i, id)
		}
	}
	if !strings.HasSuffix(out.String(), "retry: 3000\n\n") {
		t.Error("no retry hint after the lifetime ended mid-backlog")
	}

	// A reconnect with the last delivered id picks up where the session stopped.
	var next syncBuffer
	if err := b.Serve(context.Background(), &next, got[len(got)-1]); err != nil {
		t.Fatal(err)
	}
	if resumed := deliveredIDs(next.String()); len(resumed) == 0 || resumed[0] != got[len(got)-1]+1 {
		t.Errorf("resume started at %v", resumed[:min(len(resumed), 1)])
	}
}
