// Package cache deduplicates in-flight pull requests, serves time-bounded
// cached responses and rate-limits repeat fetches per resource key.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long an entry is served without hitting the
	// loader.
	DefaultTTL = 30 * time.Second

	// DefaultMinInterval bounds how often the loader may run for one key.
	DefaultMinInterval = 3 * time.Second

	// DefaultMaxAge is the hard upper bound on entry lifetime, enforced
	// lazily on read and by the periodic sweep.
	DefaultMaxAge = 5 * time.Minute
)

// Loader produces a fresh value for a key.
type Loader func(ctx context.Context) (any, error)

// Options tune a single Fetch call. Zero values fall back to the defaults.
type Options struct {
	TTL         time.Duration
	MinInterval time.Duration
}

type entry struct {
	payload  any
	cachedAt time.Time
	ttl      time.Duration
}

func (e entry) fresh(now time.Time) bool {
	return now.Sub(e.cachedAt) < e.ttl
}

// Store is the cache/throttle layer. The singleflight group linearizes
// loads per key: there is never more than one outstanding loader for a
// key, and concurrent callers share its result.
type Store struct {
	mu        sync.Mutex
	entries   map[string]entry
	lastFetch map[string]time.Time
	group     singleflight.Group
	maxAge    time.Duration

	sweepOnce sync.Once
	done      chan struct{}
}

// NewStore creates an empty Store with the default max entry age.
func NewStore() *Store {
	return &Store{
		entries:   make(map[string]entry),
		lastFetch: make(map[string]time.Time),
		maxAge:    DefaultMaxAge,
		done:      make(chan struct{}),
	}
}

// SetMaxAge overrides the hard entry lifetime. Intended for tests.
func (s *Store) SetMaxAge(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAge = d
}

// Fetch returns the value for key, consulting the cache first.
//
// A fresh entry is returned without invoking the loader. If the last
// completed fetch for the key is more recent than MinInterval, an existing
// entry is served even when expired, so polling loops cannot hammer the
// backend. Otherwise the loader runs; concurrent calls for the same key
// coalesce onto a single loader invocation. Failed loads are never cached.
func (s *Store) Fetch(ctx context.Context, key string, loader Loader, opts Options) (any, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}

	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && now.Sub(e.cachedAt) >= s.maxAge {
		delete(s.entries, key)
		ok = false
	}
	last, fetched := s.lastFetch[key]
	s.mu.Unlock()

	if ok && e.fresh(now) {
		return e.payload, nil
	}
	if ok && fetched && now.Sub(last) < minInterval {
		// Throttled: a stale entry beats another network call.
		return e.payload, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		payload, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		completed := time.Now()
		s.mu.Lock()
		s.entries[key] = entry{payload: payload, cachedAt: completed, ttl: ttl}
		s.lastFetch[key] = completed
		s.mu.Unlock()
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Peek returns the cached value for key if a non-expired entry exists,
// without invoking any loader.
func (s *Store) Peek(key string) (any, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.fresh(now) || now.Sub(e.cachedAt) >= s.maxAge {
		return nil, false
	}
	return e.payload, true
}

// Invalidate removes the entry for key immediately. The throttle window is
// cleared too so the next Fetch reloads.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.lastFetch, key)
}

// Clear drops every entry and throttle record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	s.lastFetch = make(map[string]time.Time)
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartSweeper begins a periodic sweep that purges entries older than the
// max age. It runs until Close is called and is safe to call once.
func (s *Store) StartSweeper(interval time.Duration) {
	s.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.sweep(time.Now())
				case <-s.done:
					return
				}
			}
		}()
	})
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if now.Sub(e.cachedAt) >= s.maxAge {
			delete(s.entries, key)
			delete(s.lastFetch, key)
		}
	}
}

// Close stops the sweeper.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
