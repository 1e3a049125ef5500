// Package geo turns a source address into an approximate location.
// Lookups never fail from the caller's point of view: any problem yields
// an empty domain.Location.
package geo

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"example.com/withme/internal/domain"
	"example.com/withme/internal/identity"
	"github.com/oschwald/geoip2-golang"
)

type Resolver interface {
	Resolve(ctx context.Context, addr string) domain.Location
}

// Nop resolves nothing. Used when no database is configured.
type Nop struct{}

func (Nop) Resolve(context.Context, string) domain.Location { return domain.Location{} }

// MaxMind reads a GeoLite2/GeoIP2 City database. The file is opened on
// first use, and again on later lookups until an open succeeds, so the
// database can be dropped in after start.
type MaxMind struct {
	path   string
	logger *slog.Logger

	// mu is held for reading across every lookup so Close cannot unmap
	// the database under one.
	mu     sync.RWMutex
	reader *geoip2.Reader
	closed bool
}

func NewMaxMind(path string, logger *slog.Logger) *MaxMind {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MaxMind{path: path, logger: logger.With("component", "geo")}
}

func (m *MaxMind) Resolve(ctx context.Context, addr string) (loc domain.Location) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("geo lookup panicked", "panic", r)
			loc = domain.Location{}
		}
	}()

	ip := net.ParseIP(identity.Host(addr))
	if ip == nil {
		return domain.Location{}
	}
	if !m.open() {
		return domain.Location{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.reader == nil {
		return domain.Location{}
	}
	rec, err := m.reader.City(ip)
	if err != nil {
		m.logger.Debug("geo lookup failed", "err", err)
		return domain.Location{}
	}
	return fromRecord(rec)
}

// open makes sure the database is open and reports whether it is.
func (m *MaxMind) open() bool {
	m.mu.RLock()
	ok := m.reader != nil
	m.mu.RUnlock()
	if ok {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		return true
	}
	if m.closed || m.path == "" {
		return false
	}
	r, err := geoip2.Open(m.path)
	if err != nil {
		m.logger.Debug("geo database unavailable", "path", m.path, "err", err)
		return false
	}
	m.reader = r
	return true
}

// Close waits for in-flight lookups, then releases the database. Later
// lookups resolve to an empty Location.
func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.reader == nil {
		return nil
	}
	err := m.reader.Close()
	m.reader = nil
	return err
}

// fromRecord maps a lookup result, treating empty values as unknown.
func fromRecord(rec *geoip2.City) domain.Location {
	var loc domain.Location
	if name := rec.City.Names["en"]; name != "" {
		loc.City = &name
	}
	if iso := rec.Country.IsoCode; iso != "" {
		loc.Country = &iso
	}
	if rec.Location.AccuracyRadius != 0 || rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		lat, lng := rec.Location.Latitude, rec.Location.Longitude
		loc.Latitude, loc.Longitude = &lat, &lng
	}
	return loc
}
