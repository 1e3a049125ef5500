package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/withme/internal/ratelimit"
	"go.etcd.io/bbolt"
)

// Hit runs the whole read-decide-write step in one Update transaction.
// bbolt serializes writers, which makes the step atomic per identity.
func (s *Storage) Hit(ctx context.Context, identity string, now time.Time, max int, window time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var admitted bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rateLimitsBucket)
		key := []byte(identity)

		var cur *ratelimit.Window
		if data := b.Get(key); data != nil {
			var w ratelimit.Window
			if err := json.Unmarshal(data, &w); err != nil {
				return fmt.Errorf("decode window: %w", err)
			}
			cur = &w
		}

		next, ok := ratelimit.Hit(cur, identity, now, max, window)
		admitted = ok
		if !ok {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return admitted, nil
}

func (s *Storage) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(rateLimitsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var w ratelimit.Window
			if err := json.Unmarshal(v, &w); err != nil || w.Start.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge windows: %w", err)
	}
	return n, nil
}

// Window returns the stored window for identity, expired or not.
func (s *Storage) Window(identity string) (*ratelimit.Window, error) {
	var out *ratelimit.Window
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(rateLimitsBucket).Get([]byte(identity))
		if data == nil {
			return nil
		}
		var w ratelimit.Window
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		out = &w
		return nil
	})
	return out, err
}
