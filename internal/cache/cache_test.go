package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStore_FetchCachesWithinTTL(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := s.Fetch(ctx, "k", loader, Options{TTL: time.Minute})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if v != "value" {
			t.Fatalf("got %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 loader call, got %d", calls)
	}
}

func TestStore_ThrottleServesStale(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	// Tiny TTL so the entry expires immediately; a wide min interval keeps
	// the loader throttled.
	opts := Options{TTL: time.Nanosecond, MinInterval: time.Minute}

	first, err := s.Fetch(ctx, "k", loader, opts)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the entry expire

	second, err := s.Fetch(ctx, "k", loader, opts)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 1 {
		t.Errorf("throttle should have suppressed the reload, loader ran %d times", calls)
	}
	if first != second {
		t.Errorf("expected the stale entry to be served, got %v then %v", first, second)
	}
}

func TestStore_ThrottleExpiresAndReloads(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	opts := Options{TTL: time.Nanosecond, MinInterval: 10 * time.Millisecond}

	if _, err := s.Fetch(ctx, "k", loader, opts); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	v, err := s.Fetch(ctx, "k", loader, opts)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected reload after throttle window, loader ran %d times", calls)
	}
	if v != 2 {
		t.Errorf("expected fresh value 2, got %v", v)
	}
}

func TestStore_CoalescesConcurrentLoads(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	var calls atomic.Int32
	gate := make(chan struct{})
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-gate
		return "shared", nil
	}

	const workers = 10
	results := make([]any, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Fetch(ctx, "k", loader, Options{})
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results[i] = v
		}(i)
	}

	// Give every goroutine time to reach the singleflight group, then
	// release the one loader.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 loader invocation, got %d", got)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("worker %d got %v", i, v)
		}
	}
}

func TestStore_FailedLoadsAreNotCached(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	boom := errors.New("backend down")
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return "recovered", nil
	}

	if _, err := s.Fetch(ctx, "k", loader, Options{MinInterval: time.Nanosecond}); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if _, ok := s.Peek("k"); ok {
		t.Error("failed load must not populate the cache")
	}

	v, err := s.Fetch(ctx, "k", loader, Options{MinInterval: time.Nanosecond})
	if err != nil {
		t.Fatalf("retry Fetch: %v", err)
	}
	if v != "recovered" {
		t.Errorf("got %v", v)
	}
}

func TestStore_InvalidateClearsThrottle(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	opts := Options{TTL: time.Minute, MinInterval: time.Minute}

	if _, err := s.Fetch(ctx, "k", loader, opts); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	s.Invalidate("k")

	// With both the entry and the throttle record gone, the next fetch
	// must hit the loader immediately.
	v, err := s.Fetch(ctx, "k", loader, opts)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 2 || v != 2 {
		t.Errorf("expected immediate reload after invalidate, calls=%d v=%v", calls, v)
	}
}

func TestStore_MaxAgeEvictsLazily(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetMaxAge(10 * time.Millisecond)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	opts := Options{TTL: time.Hour, MinInterval: time.Nanosecond}

	if _, err := s.Fetch(ctx, "k", loader, opts); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Peek("k"); ok {
		t.Error("entry past max age should not be peekable")
	}
	if _, err := s.Fetch(ctx, "k", loader, opts); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected reload after max age, loader ran %d times", calls)
	}
}

func TestStore_SweeperPurges(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetMaxAge(10 * time.Millisecond)
	ctx := context.Background()

	loader := func(context.Context) (any, error) { return "v", nil }
	if _, err := s.Fetch(ctx, "k", loader, Options{TTL: time.Hour}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}

	s.StartSweeper(5 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("sweeper did not purge the aged entry")
	}
}
