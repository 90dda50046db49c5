// Package cache provides the bounded in-process cache used to memoize LLM
// calls. The default implementation is Memory, a TTL cache with optional
// entry-count and byte-size budgets and least-recently-inserted eviction.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Cache defines the interface for memoization caches.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
	Len() int
	Clear()
}

// Config bounds a cache. Zero or negative MaxEntries / MaxBytes leave that
// dimension unbounded. A TTL of zero or less expires entries immediately.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Expirations int64 `json:"expirations"`
	Evictions   int64 `json:"evictions"`
	// Rejected counts Set calls dropped because the value alone exceeded MaxBytes.
	Rejected   int64 `json:"rejected"`
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	MaxEntries int   `json:"max_entries"`
	MaxBytes   int64 `json:"max_bytes"`
	// HitRate is hits as a percentage of all lookups, 0 before the first one.
	HitRate float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Key derives a fixed-width fingerprint from a list of call arguments.
//
// Arguments are first encoded to JSON and decoded back into generic values,
// then re-encoded canonically with every object's keys sorted at every depth,
// and the result is hashed with SHA-256. Two argument lists that differ only in
// map key order therefore produce the same key. Arguments JSON cannot encode
// (channels, functions) fall back to their %#v formatting.
func Key(args ...any) string {
	var buf bytes.Buffer
	if err := writeCanonicalArgs(&buf, args); err != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "%#v", args)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeCanonicalArgs(buf *bytes.Buffer, args []any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	return writeCanonical(buf, generic)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(val.String())
	case string:
		buf.WriteString(strconv.Quote(val))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cache key: unexpected %T in decoded arguments", v)
	}
	return nil
}

// estimateSize approximates the memory footprint of v by the length of its
// JSON encoding, falling back to the length of its %v formatting when v cannot
// be encoded.
func estimateSize(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return int64(len(fmt.Sprint(v)))
	}
	return int64(len(data))
}
