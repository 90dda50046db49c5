package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ferro-labs/bookbot/internal/metrics"
)

type memoryEntry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	size       int64
}

// Memory is a thread-safe in-memory cache with TTL expiration, an optional
// entry-count budget and an optional byte budget. When a budget is hit the
// entry inserted longest ago is evicted first; reads do not refresh position.
type Memory[V any] struct {
	mu         sync.Mutex
	name       string
	ttl        time.Duration
	maxEntries int
	maxBytes   int64

	items map[string]*list.Element
	// order holds entries by insertion time, oldest at the front.
	order *list.List
	bytes int64

	hits        int64
	misses      int64
	expirations int64
	evictions   int64
	rejected    int64

	now func() time.Time
}

// NewMemory creates an in-memory cache. name labels its metrics.
func NewMemory[V any](name string, cfg Config) *Memory[V] {
	return &Memory[V]{
		name:       name,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns the value stored under key, or false if it is missing or older
// than the TTL. An expired entry is dropped.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	elem, ok := m.items[key]
	if !ok {
		m.misses++
		metrics.CacheRequests.WithLabelValues(m.name, "miss").Inc()
		return zero, false
	}

	entry := elem.Value.(*memoryEntry[V])
	if m.expired(entry, m.now()) {
		m.removeElement(elem)
		m.expirations++
		m.misses++
		metrics.CacheRequests.WithLabelValues(m.name, "expired").Inc()
		m.publish()
		return zero, false
	}

	m.hits++
	metrics.CacheRequests.WithLabelValues(m.name, "hit").Inc()
	return entry.value, true
}

// Set stores value under key. A value whose estimated size exceeds the byte
// budget is silently dropped, so callers must not assume presence after Set.
func (m *Memory[V]) Set(key string, value V) {
	size := estimateSize(value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxBytes > 0 && size > m.maxBytes {
		m.rejected++
		metrics.CacheRejected.WithLabelValues(m.name).Inc()
		return
	}

	now := m.now()
	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
	m.pruneExpired(now)

	if m.maxEntries > 0 {
		for m.order.Len() >= m.maxEntries {
			m.evictOldest("count")
		}
	}
	if m.maxBytes > 0 {
		for m.bytes+size > m.maxBytes && m.order.Len() > 0 {
			m.evictOldest("memory")
		}
	}

	entry := &memoryEntry[V]{
		key:        key,
		value:      value,
		insertedAt: now,
		size:       size,
	}
	m.items[key] = m.order.PushBack(entry)
	m.bytes += size
	m.publish()
}

// GetOrCompute returns the cached value for key, calling compute on a miss
// and storing its result. compute runs without the cache lock held, so
// concurrent misses on the same key may each call it; errors are not cached.
func (m *Memory[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	m.Set(key, v)
	return v, nil
}

// Delete removes an entry from the cache.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
		m.publish()
	}
}

// Len returns the number of entries currently held, including expired
// entries that have not been pruned yet.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Clear removes all entries and resets the byte total.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.bytes = 0
	m.publish()
}

// Stats returns a snapshot of the cache counters.
func (m *Memory[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:        m.hits,
		Misses:      m.misses,
		Expirations: m.expirations,
		Evictions:   m.evictions,
		Rejected:    m.rejected,
		Entries:     m.order.Len(),
		Bytes:       m.bytes,
		MaxEntries:  m.maxEntries,
		MaxBytes:    m.maxBytes,
		HitRate:     hitRate(m.hits, m.misses),
	}
}

func (m *Memory[V]) expired(e *memoryEntry[V], now time.Time) bool {
	return now.Sub(e.insertedAt) >= m.ttl
}

// pruneExpired must be called with m.mu held. Entries share one TTL, so the
// expired ones form a prefix of the insertion order.
func (m *Memory[V]) pruneExpired(now time.Time) {
	for elem := m.order.Front(); elem != nil; elem = m.order.Front() {
		if !m.expired(elem.Value.(*memoryEntry[V]), now) {
			return
		}
		m.removeElement(elem)
		m.expirations++
		metrics.CacheEvictions.WithLabelValues(m.name, "expired").Inc()
	}
}

func (m *Memory[V]) evictOldest(reason string) {
	elem := m.order.Front()
	if elem == nil {
		return
	}
	m.removeElement(elem)
	m.evictions++
	metrics.CacheEvictions.WithLabelValues(m.name, reason).Inc()
}

func (m *Memory[V]) removeElement(elem *list.Element) {
	m.order.Remove(elem)
	entry := elem.Value.(*memoryEntry[V])
	delete(m.items, entry.key)
	m.bytes -= entry.size
}

func (m *Memory[V]) publish() {
	metrics.CacheBytes.WithLabelValues(m.name).Set(float64(m.bytes))
	metrics.CacheEntries.WithLabelValues(m.name).Set(float64(m.order.Len()))
}
