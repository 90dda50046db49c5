package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemory[V any](cfg Config) (*Memory[V], *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory[V]("test", cfg)
	m.now = clk.Now
	return m, clk
}

// checkInvariants verifies the running byte total against recomputed entry
// sizes and the entry budget.
func checkInvariants[V any](t *testing.T, m *Memory[V]) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*memoryEntry[V])
		total += estimateSize(e.value)
	}
	if total != m.bytes {
		t.Fatalf("running byte total %d, recomputed %d", m.bytes, total)
	}
	if len(m.items) != m.order.Len() {
		t.Fatalf("index has %d keys, order list has %d", len(m.items), m.order.Len())
	}
	if m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		t.Fatalf("holding %d entries, budget %d", m.order.Len(), m.maxEntries)
	}
	if m.maxBytes > 0 && m.bytes > m.maxBytes {
		t.Fatalf("holding %d bytes, budget %d", m.bytes, m.maxBytes)
	}
}

func TestMemory_ImplementsCache(_ *testing.T) {
	var _ Cache[string] = (*Memory[string])(nil)
}

func TestMemory_SetAndGet(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute})

	c.Set("key1", "resp-1")
	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != "resp-1" {
		t.Errorf("expected resp-1, got %s", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute})
	if _, ok := c.Get("missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestMemory_LastSetWins(t *testing.T) {
	c, clk := newTestMemory[int](Config{TTL: time.Minute})
	for i := 0; i < 10; i++ {
		c.Set("k", i)
		clk.Advance(time.Second)
		got, ok := c.Get("k")
		if !ok || got != i {
			t.Fatalf("after set %d: got %d, %v", i, got, ok)
		}
	}
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
}

func TestMemory_TTLExpiration(t *testing.T) {
	c, clk := newTestMemory[string](Config{TTL: time.Second})
	c.Set("key1", "v")

	clk.Advance(999 * time.Millisecond)
	if _, ok := c.Get("key1"); !ok {
		t.Fatal("expected hit just before TTL")
	}

	clk.Advance(time.Millisecond)
	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected miss once TTL has elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be dropped, len=%d", c.Len())
	}
	if s := c.Stats(); s.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", s.Expirations)
	}
}

func TestMemory_ZeroTTLNeverHits(t *testing.T) {
	c, _ := newTestMemory[string](Config{})
	c.Set("k", "v")
	if _, ok := c.Get("k"); ok {
		t.Fatal("zero TTL must expire entries immediately")
	}
}

func TestMemory_RealClockExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps past a one-second TTL")
	}
	c := NewMemory[string]("test", Config{TTL: time.Second})
	c.Set("k", "v")
	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("expected v, got %q (%v)", got, ok)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after 1.1s")
	}
}

func TestMemory_CountEvictionIsInsertionOrder(t *testing.T) {
	c, clk := newTestMemory[string](Config{TTL: time.Minute, MaxEntries: 2})
	c.Set("a", "a")
	clk.Advance(time.Millisecond)
	c.Set("b", "b")
	clk.Advance(time.Millisecond)

	c.Get("a") // reads do not refresh position

	c.Set("c", "c") // evicts "a", the oldest insertion

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected 'b' to be present")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected 'c' to be present")
	}
	checkInvariants(t, c)
}

func TestMemory_OverwriteRefreshesInsertion(t *testing.T) {
	c, clk := newTestMemory[string](Config{TTL: time.Minute, MaxEntries: 2})
	c.Set("a", "old")
	clk.Advance(time.Millisecond)
	c.Set("b", "b")
	clk.Advance(time.Millisecond)
	c.Set("a", "new") // "a" is now the newest insertion
	clk.Advance(time.Millisecond)
	c.Set("c", "c") // evicts "b"

	if got, ok := c.Get("a"); !ok || got != "new" {
		t.Errorf("expected a=new, got %q (%v)", got, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
	checkInvariants(t, c)
}

func TestMemory_OverwriteDoesNotEvictAtCapacity(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute, MaxEntries: 2})
	c.Set("a", "a")
	c.Set("b", "b")
	c.Set("b", "b2")

	if _, ok := c.Get("a"); !ok {
		t.Error("overwriting an existing key must not evict another entry")
	}
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestMemory_MemoryBudgetEvictsOldest(t *testing.T) {
	value := "0123456789"
	size := estimateSize(value) // 12: the JSON string includes quotes
	c, clk := newTestMemory[string](Config{TTL: time.Minute, MaxBytes: 3 * size})

	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, value)
		clk.Advance(time.Millisecond)
	}
	if got := c.Stats().Bytes; got != 3*size {
		t.Fatalf("expected %d bytes, got %d", 3*size, got)
	}

	c.Set("d", value)
	if _, ok := c.Get("a"); ok {
		t.Error("expected oldest entry to make room")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %q to be present", k)
		}
	}
	checkInvariants(t, c)
}

func TestMemory_OversizedValueIsDropped(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute, MaxBytes: 8})
	c.Set("small", "ok")
	c.Set("big", "this value is far larger than eight bytes")

	if _, ok := c.Get("big"); ok {
		t.Fatal("oversized value must never be stored")
	}
	if _, ok := c.Get("small"); !ok {
		t.Fatal("dropping an oversized value must not evict others")
	}
	if s := c.Stats(); s.Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", s.Rejected)
	}
	checkInvariants(t, c)
}

func TestMemory_SetPrunesExpired(t *testing.T) {
	c, clk := newTestMemory[string](Config{TTL: time.Second})
	c.Set("a", "a")
	c.Set("b", "b")
	clk.Advance(2 * time.Second)
	c.Set("c", "c")

	if c.Len() != 1 {
		t.Fatalf("expected expired entries pruned on set, len=%d", c.Len())
	}
	checkInvariants(t, c)
}

func TestMemory_RandomOperationsKeepInvariants(t *testing.T) {
	c, clk := newTestMemory[string](Config{TTL: 50 * time.Millisecond, MaxEntries: 8, MaxBytes: 120})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(20))
		switch rng.Intn(5) {
		case 0, 1:
			c.Set(key, string(make([]byte, rng.Intn(40))))
		case 2:
			c.Get(key)
		case 3:
			c.Delete(key)
		case 4:
			clk.Advance(time.Duration(rng.Intn(20)) * time.Millisecond)
		}
		checkInvariants(t, c)
	}
}

func TestMemory_Delete(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute})
	c.Set("key1", "resp")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Error("expected miss after delete")
	}
	if c.Len() != 0 {
		t.Errorf("expected len 0, got %d", c.Len())
	}
	checkInvariants(t, c)
}

func TestMemory_Clear(t *testing.T) {
	c, _ := newTestMemory[string](Config{TTL: time.Minute})
	c.Set("a", "a")
	c.Set("b", "b")
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected len 0 after clear, got %d", c.Len())
	}
	if b := c.Stats().Bytes; b != 0 {
		t.Errorf("expected 0 bytes after clear, got %d", b)
	}
}

func TestMemory_GetOrCompute(t *testing.T) {
	c, _ := newTestMemory[int](Config{TTL: time.Minute})
	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return 10, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute(context.Background(), "k", compute)
		if err != nil {
			t.Fatal(err)
		}
		if v != 10 {
			t.Fatalf("expected 10, got %d", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected compute to run once, ran %d times", calls)
	}
}

func TestMemory_GetOrComputeDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestMemory[int](Config{TTL: time.Minute})
	boom := errors.New("boom")
	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return 0, boom
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompute(context.Background(), "k", compute); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("expected compute to run twice, ran %d times", calls)
	}
}

func TestMemory_StatsHitRate(t *testing.T) {
	c, _ := newTestMemory[int](Config{TTL: time.Minute})
	if r := c.Stats().HitRate; r != 0 {
		t.Fatalf("expected 0 hit rate before any lookup, got %v", r)
	}
	c.Set("k", 1)
	c.Get("k")
	c.Get("missing")
	c.Get("k")
	c.Get("k")
	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 || s.HitRate != 75 {
		t.Fatalf("unexpected stats %+v", s)
	}

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["hit_rate"] != float64(75) {
		t.Fatalf("expected hit_rate in JSON stats, got %s", raw)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	c := NewMemory[string]("test", Config{TTL: time.Minute, MaxEntries: 10, MaxBytes: 200})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			c.Set(key, key)
			c.Get(key)
			c.Len()
		}(i)
	}
	wg.Wait()
	checkInvariants(t, c)
}

func TestKey_MapOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":{"y":[1,2],"x":"s"}}`)
	b := json.RawMessage(`{"a":{"x":"s","y":[1,2]},"b":1}`)
	if Key(a) != Key(b) {
		t.Fatal("expected identical keys for reordered objects")
	}
	if Key(a, 1) == Key(a, 2) {
		t.Fatal("expected different keys for different arguments")
	}
}

func TestKey_FixedWidth(t *testing.T) {
	keys := []string{
		Key(),
		Key("prompt", nil, 0.7),
		Key(map[string]any{"a": 1}, []int{1, 2}),
		Key(func() {}),
	}
	for _, k := range keys {
		if len(k) != 64 {
			t.Errorf("expected 64-char key, got %d (%s)", len(k), k)
		}
	}
}

func TestKey_StructAndMapAgree(t *testing.T) {
	type args struct {
		Prompt      string  `json:"prompt"`
		Temperature float64 `json:"temperature"`
	}
	s := Key(args{Prompt: "p", Temperature: 0.3})
	m := Key(map[string]any{"temperature": 0.3, "prompt": "p"})
	if s != m {
		t.Fatal("expected struct and equivalent map to share a key")
	}
}

func TestEstimateSize_Fallback(t *testing.T) {
	if n := estimateSize(make(chan int)); n <= 0 {
		t.Fatalf("expected positive fallback size, got %d", n)
	}
	if n := estimateSize("abc"); n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}
