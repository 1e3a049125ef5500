package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"example.com/withme/internal/domain"
	"go.etcd.io/bbolt"
)

// Append stores ev under the bucket's next sequence number. bbolt allows a
// single writer, so sequence order and commit order are the same.
func (s *Storage) Append(ctx context.Context, ev *domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := *ev
		rec.ID = int64(seq)
		rec.CreatedAt = s.now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(rec.ID), data); err != nil {
			return err
		}
		id = rec.ID
		ev.ID, ev.CreatedAt = rec.ID, rec.CreatedAt
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

func (s *Storage) QueryAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if afterID < 0 {
		afterID = 0
	}
	var out []domain.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(idKey(afterID + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", afterID, err)
	}
	return out, nil
}

func (s *Storage) CountTotal(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(eventsBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *Storage) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.scan(func(ev domain.Event) {
		if !ev.CreatedAt.Before(since) {
			n++
		}
	})
	if err != nil {
		return 0, fmt.Errorf("count since: %w", err)
	}
	return n, nil
}

func (s *Storage) CountByVersion(ctx context.Context, limit int) (domain.RankedCounts, error) {
	counts := map[string]int64{}
	err := s.scan(func(ev domain.Event) {
		counts[domain.VersionPrefix(ev.TYPO3Version)]++
	})
	if err != nil {
		return nil, fmt.Errorf("count by version: %w", err)
	}
	return rank(counts, limit), nil
}

func (s *Storage) CountByCountry(ctx context.Context, limit int) (domain.RankedCounts, error) {
	counts := map[string]int64{}
	err := s.scan(func(ev domain.Event) {
		if ev.Country != nil {
			counts[*ev.Country]++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("count by country: %w", err)
	}
	return rank(counts, limit), nil
}

func (s *Storage) Recent(ctx context.Context, n int) ([]domain.Event, error) {
	var out []domain.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return out, nil
}

// scan visits every event in id order inside one read transaction.
func (s *Storage) scan(fn func(domain.Event)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(k, v []byte) error {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			fn(ev)
			return nil
		})
	})
}

func decodeEvent(v []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(v, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// rank orders buckets by count descending, then key, and keeps the first limit.
func rank(counts map[string]int64, limit int) domain.RankedCounts {
	out := make(domain.RankedCounts, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
