package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Count is one bucket of a group-by query.
type Count struct {
	Key   string
	Count int64
}

// RankedCounts is an ordered list of buckets. It encodes as a JSON object
// whose keys appear in rank order, which a Go map cannot guarantee.
type RankedCounts []Count

func (rc RankedCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range rc {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", c.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (rc *RankedCounts) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("ranked counts: expected object, got %v", tok)
	}
	out := RankedCounts{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var n int64
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("ranked counts %q: %w", key, err)
		}
		out = append(out, Count{Key: key, Count: n})
	}
	*rc = out
	return nil
}

// Get returns the count for key, or 0.
func (rc RankedCounts) Get(key string) int64 {
	for _, c := range rc {
		if c.Key == key {
			return c.Count
		}
	}
	return 0
}
