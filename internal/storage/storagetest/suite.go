// Package storagetest is a conformance suite for storage backends.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/withme/internal/domain"
	"example.com/withme/internal/ratelimit"
	"example.com/withme/internal/storage"
	"example.com/withme/internal/testutil"
)

// EventStoreFactory opens an empty store whose CreatedAt comes from clock.
type EventStoreFactory func(t *testing.T, clock *testutil.FakeClock) storage.EventStore

// WindowStoreFactory opens an empty rate-limit window store.
type WindowStoreFactory func(t *testing.T) ratelimit.Store

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }

func sampleEvent(version, country string) *domain.Event {
	ev := &domain.Event{
		TYPO3Version: version,
		PHPVersion:   "8.3",
		Type:         domain.EventInstall,
		ProjectHash:  "a1b2c3d4e5f60708",
	}
	if country != "" {
		ev.Country = strp(country)
	}
	return ev
}

func mustAppend(t *testing.T, s storage.EventStore, ev *domain.Event) int64 {
	t.Helper()
	id, err := s.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

// RunEventStore runs every event store test against the factory.
func RunEventStore(t *testing.T, open EventStoreFactory) {
	t.Run("AppendAssignsIncreasingIDs", func(t *testing.T) { testAppendIDs(t, open) })
	t.Run("QueryAfter", func(t *testing.T) { testQueryAfter(t, open) })
	t.Run("NullFieldsRoundTrip", func(t *testing.T) { testNullRoundTrip(t, open) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, open) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, open) })
}

func testAppendIDs(t *testing.T, open EventStoreFactory) {
	clock := testutil.NewClock(testutil.Epoch)
	s := open(t, clock)

	var last int64
	for i := 0; i < 5; i++ {
		ev := sampleEvent("13.4.2", "DE")
		id := mustAppend(t, s, ev)
		if id <= 0 || id <= last {
			t.Fatalf("append %d: id %d not greater than %d", i, id, last)
		}
		if ev.ID != id {
			t.Errorf("event ID %d not set to %d", ev.ID, id)
		}
		if !ev.CreatedAt.Equal(clock.Now()) {
			t.Errorf("CreatedAt = %v, want %v", ev.CreatedAt, clock.Now())
		}
		last = id
		clock.Advance(time.Second)
	}
}

func testQueryAfter(t *testing.T, open EventStoreFactory) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(testutil.Epoch))

	ids := make([]int64, 5)
	for i := range ids {
		ids[i] = mustAppend(t, s, sampleEvent("13.4.2", ""))
	}

	got, err := s.QueryAfter(ctx, ids[1], 10)
	if err != nil {
		t.Fatalf("QueryAfter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[i+2] {
			t.Errorf("event %d: id %d, want %d", i, ev.ID, ids[i+2])
		}
	}

	got, err = s.QueryAfter(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Errorf("limit 2 from start: %v", got)
	}

	got, err = s.QueryAfter(ctx, ids[4], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("query after last id returned %d events", len(got))
	}
}

func testNullRoundTrip(t *testing.T, open EventStoreFactory) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(testutil.Epoch))

	bare := sampleEvent("12.4", "")
	bareID := mustAppend(t, s, bare)

	full := sampleEvent("13.4.2", "DE")
	full.OS = strp("Linux")
	full.City = strp("Düsseldorf")
	full.Latitude = f64p(51.2277)
	full.Longitude = f64p(6.7735)
	mustAppend(t, s, full)

	got, err := s.QueryAfter(ctx, bareID-1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	b := got[0]
	if b.OS != nil || b.City != nil || b.Country != nil || b.Latitude != nil || b.Longitude != nil {
		t.Errorf("null fields came back non-null: %+v", b)
	}
	if b.TYPO3Version != "12.4" || b.PHPVersion != "8.3" || b.Type != domain.EventInstall || b.ProjectHash != "a1b2c3d4e5f60708" {
		t.Errorf("required fields changed: %+v", b)
	}
	f := got[1]
	if f.OS == nil || *f.OS != "Linux" || f.City == nil || *f.City != "Düsseldorf" || f.Country == nil || *f.Country != "DE" {
		t.Errorf("optional strings lost: %+v", f)
	}
	if f.Latitude == nil || *f.Latitude != 51.2277 || f.Longitude == nil || *f.Longitude != 6.7735 {
		t.Errorf("coordinates lost: %+v", f)
	}
}

func testConcurrentAppend(t *testing.T, open EventStoreFactory) {
	ctx := context.Background()
	s := open(t, testutil.NewClock(testutil.Epoch))

	const n = 20
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Append(ctx, sampleEvent("13.4.2", "DE"))
			if err != nil {
				t.Errorf("Append: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d assigned twice", id)
		}
		seen[id] = true
	}

	got, err := s.QueryAfter(ctx, 0, 2*n)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("got %d events, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("ids not ascending at %d: %d then %d", i, got[i-1].ID, got[i].ID)
		}
	}
}

func testAggregates(t *testing.T, open EventStoreFactory) {
	ctx := context.Background()
	yesterday := testutil.Epoch.Add(-24 * time.Hour)
	clock := testutil.NewClock(yesterday)
	s := open(t, clock)

	mustAppend(t, s, sampleEvent("12.4.10", "US"))
	mustAppend(t, s, sampleEvent("13.4.1", ""))

	clock.Set(testutil.Epoch)
	mustAppend(t, s, sampleEvent("13.4.2", "DE"))
	mustAppend(t, s, sampleEvent("13.4", "DE"))
	lastID := mustAppend(t, s, sampleEvent("11.5.3", "AT"))

	total, err := s.CountTotal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("CountTotal = %d, want 5", total)
	}

	startOfDay := time.Date(testutil.Epoch.Year(), testutil.Epoch.Month(), testutil.Epoch.Day(), 0, 0, 0, 0, time.UTC)
	today, err := s.CountSince(ctx, startOfDay)
	if err != nil {
		t.Fatal(err)
	}
	if today != 3 {
		t.Errorf("CountSince = %d, want 3", today)
	}

	versions, err := s.CountByVersion(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0] != (domain.Count{Key: "13.4", Count: 3}) {
		t.Errorf("CountByVersion = %v", versions)
	}
	if versions[1].Count != 1 {
		t.Errorf("second version bucket = %v", versions[1])
	}

	countries, err := s.CountByCountry(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.RankedCounts{{Key: "DE", Count: 2}, {Key: "AT", Count: 1}, {Key: "US", Count: 1}}
	if len(countries) != len(want) {
		t.Fatalf("CountByCountry = %v, want %v", countries, want)
	}
	for i := range want {
		if countries[i] != want[i] {
			t.Errorf("country %d = %v, want %v", i, countries[i], want[i])
		}
	}

	recent, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].ID != lastID {
		t.Fatalf("Recent = %v", recent)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].ID >= recent[i-1].ID {
			t.Errorf("Recent not newest first: %d then %d", recent[i-1].ID, recent[i].ID)
		}
	}
}

// RunWindowStore checks the fixed-window contract of a rate-limit store.
func RunWindowStore(t *testing.T, open WindowStoreFactory) {
	t.Run("FixedWindow", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		now := testutil.Epoch
		const max = 3
		for i := 1; i <= max; i++ {
			ok, err := s.Hit(ctx, "fixed", now.Add(time.Duration(i)*time.Second), max, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatalf("request %d rejected", i)
			}
		}
		for i := 0; i < 2; i++ {
			ok, err := s.Hit(ctx, "fixed", now.Add(30*time.Second), max, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("request over the limit admitted")
			}
		}
		// Another identity is independent.
		if ok, _ := s.Hit(ctx, "other", now.Add(30*time.Second), max, time.Minute); !ok {
			t.Error("independent identity rejected")
		}
		ok, err := s.Hit(ctx, "fixed", now.Add(61*time.Second), max, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("request after the window rejected")
		}
		// The new window started at 61s and counts from one again.
		for i := 2; i <= max; i++ {
			if ok, _ := s.Hit(ctx, "fixed", now.Add(62*time.Second), max, time.Minute); !ok {
				t.Fatalf("request %d of new window rejected", i)
			}
		}
		if ok, _ := s.Hit(ctx, "fixed", now.Add(62*time.Second), max, time.Minute); ok {
			t.Error("new window exceeded its limit")
		}
	})

	t.Run("ConcurrentSameIdentity", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		const max, callers = 10, 40
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Hit(ctx, "burst", testutil.Epoch, max, time.Minute)
				if err != nil {
					t.Errorf("Hit: %v", err)
					return
				}
				if ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if admitted != max {
			t.Errorf("admitted %d of %d concurrent requests, want %d", admitted, callers, max)
		}
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		s.Hit(ctx, "old", testutil.Epoch.Add(-2*time.Minute), 5, time.Minute)
		s.Hit(ctx, "fresh", testutil.Epoch, 5, time.Minute)
		n, err := s.PurgeExpired(ctx, testutil.Epoch.Add(-time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("purged %d windows, want 1", n)
		}
	})
}
