package geo

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"example.com/withme/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

func isEmpty(loc domain.Location) bool {
	return loc.City == nil && loc.Country == nil && loc.Latitude == nil && loc.Longitude == nil
}

func TestMaxMindMissingDatabase(t *testing.T) {
	m := NewMaxMind(filepath.Join(t.TempDir(), "GeoLite2-City.mmdb"), nil)
	defer m.Close()
	if loc := m.Resolve(context.Background(), "8.8.8.8"); !isEmpty(loc) {
		t.Errorf("missing database produced %+v", loc)
	}
}

func TestMaxMindCloseWaitsForLookups(t *testing.T) {
	m := NewMaxMind(filepath.Join(t.TempDir(), "GeoLite2-City.mmdb"), nil)

	// Hold the lookup lock the way Resolve does during reader.City.
	m.mu.RLock()
	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned during a lookup")
	case <-time.After(20 * time.Millisecond):
	}
	m.mu.RUnlock()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}

	if m.open() {
		t.Error("database reopened after Close")
	}
}

func TestMaxMindConcurrentResolveAndClose(t *testing.T) {
	m := NewMaxMind(filepath.Join(t.TempDir(), "GeoLite2-City.mmdb"), nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if loc := m.Resolve(context.Background(), "203.0.113.7:443"); !isEmpty(loc) {
					t.Errorf("resolved %+v", loc)
				}
			}
		}()
	}
	_ = m.Close()
	wg.Wait()
}

func TestMaxMindBadAddress(t *testing.T) {
	m := NewMaxMind("", nil)
	for _, addr := range []string{"", "not-an-ip", "300.1.1.1"} {
		if loc := m.Resolve(context.Background(), addr); !isEmpty(loc) {
			t.Errorf("Resolve(%q) = %+v", addr, loc)
		}
	}
}

func TestNop(t *testing.T) {
	if loc := (Nop{}).Resolve(context.Background(), "8.8.8.8"); !isEmpty(loc) {
		t.Errorf("Nop resolved %+v", loc)
	}
}

func TestFromRecord(t *testing.T) {
	var rec geoip2.City
	if loc := fromRecord(&rec); !isEmpty(loc) {
		t.Errorf("empty record produced %+v", loc)
	}

	rec.City.Names = map[string]string{"en": "Berlin"}
	rec.Country.IsoCode = "DE"
	rec.Location.Latitude = 52.52
	rec.Location.Longitude = 13.405
	rec.Location.AccuracyRadius = 20
	loc := fromRecord(&rec)
	if loc.City == nil || *loc.City != "Berlin" || loc.Country == nil || *loc.Country != "DE" {
		t.Errorf("names lost: %+v", loc)
	}
	if loc.Latitude == nil || *loc.Latitude != 52.52 || loc.Longitude == nil || *loc.Longitude != 13.405 {
		t.Errorf("coordinates lost: %+v", loc)
	}
}
