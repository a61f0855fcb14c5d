package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CounterStore counts events per key in fixed windows aligned to the Unix
// epoch.
type CounterStore interface {
	// Increment adds one to the window containing now and returns the new
	// count.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)

	// Count returns the count of the window containing now.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)

	// Release takes back one Increment made for the same window. It is a
	// no-op once that window is over and never drops the count below zero.
	Release(ctx context.Context, key string, window time.Duration, now time.Time) error
}

// Sweeper is implemented by rules and stores that hold evictable state.
type Sweeper interface {
	Sweep(now time.Time)
}

// MemoryCounterStore is an in-process CounterStore. The map lock is held
// only to find or create an entry; counting is lock-free.
type MemoryCounterStore struct {
	mu      sync.RWMutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	start  atomic.Int64 // window start, unix nanoseconds
	count  atomic.Int64
	window atomic.Int64
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[string]*windowEntry)}
}

// Increment implements CounterStore.
func (s *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	e := s.entry(key, window)
	e.roll(windowStart(now, window))
	return e.count.Add(1), nil
}

// Count implements CounterStore.
func (s *MemoryCounterStore) Count(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return 0, nil
	}
	if e.start.Load() != windowStart(now, window) {
		return 0, nil
	}
	return e.count.Load(), nil
}

// Release implements CounterStore.
func (s *MemoryCounterStore) Release(_ context.Context, key string, window time.Duration, now time.Time) error {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	start := windowStart(now, window)
	for {
		n := e.count.Load()
		if n <= 0 || e.start.Load() != start {
			return nil
		}
		if e.count.CompareAndSwap(n, n-1) {
			return nil
		}
	}
}

// Sweep removes entries whose window ended before now.
func (s *MemoryCounterStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.start.Load()+e.window.Load() <= now.UnixNano() {
			delete(s.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *MemoryCounterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryCounterStore) entry(key string, window time.Duration) *windowEntry {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[key]; e == nil {
		e = &windowEntry{}
		e.window.Store(int64(window))
		s.entries[key] = e
	}
	return e
}

// roll resets the entry when start is a newer window than the current one.
// Only the goroutine winning the CAS resets the count.
func (e *windowEntry) roll(start int64) {
	cur := e.start.Load()
	if cur >= start {
		return
	}
	if e.start.CompareAndSwap(cur, start) {
		e.count.Store(0)
	}
}

func windowStart(now time.Time, window time.Duration) int64 {
	n := now.UnixNano()
	if window <= 0 {
		return n
	}
	return n - n%int64(window)
}
