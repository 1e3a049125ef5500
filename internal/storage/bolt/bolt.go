// Package bolt is the embedded bbolt backend: a single file, a single
// writer, no external services.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	eventsBucket     = []byte("events")
	rateLimitsBucket = []byte("rate_limits")
)

type Storage struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (creating if needed) the database file at path.
func Open(path string, now func() time.Time, logger *slog.Logger) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, rateLimitsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Storage{db: db, now: now, logger: logger.With("component", "bolt")}, nil
}

func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Error("close bolt", "err", err)
	}
}

func (s *Storage) Ready(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(eventsBucket) == nil {
			return fmt.Errorf("bucket %s missing", eventsBucket)
		}
		return nil
	})
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}
