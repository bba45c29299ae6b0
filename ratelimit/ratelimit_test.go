package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAllowExhaustsBurst(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(3, time.Second)

	for i := 0; i < 3; i++ {
		if !l.Allow("search/query", limit) {
			t.Fatalf("call %d: expected admission within burst", i)
		}
	}
	if l.Allow("search/query", limit) {
		t.Fatal("expected denial after burst exhausted")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(1, time.Second)

	if !l.Allow("k", limit) {
		t.Fatal("first call should be admitted")
	}
	if l.Allow("k", limit) {
		t.Fatal("second call within the window should be denied")
	}

	clock.Advance(500 * time.Millisecond)
	if l.Allow("k", limit) {
		t.Fatal("half a window should not restore a full token")
	}

	clock.Advance(500 * time.Millisecond)
	if !l.Allow("k", limit) {
		t.Fatal("a full window should restore one token")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(2, time.Second)

	if !l.Allow("k", limit) {
		t.Fatal("first call should be admitted")
	}

	// A long idle period must not accumulate more than the burst capacity.
	clock.Advance(time.Hour)
	admitted := 0
	for i := 0; i < 5; i++ {
		if l.Allow("k", limit) {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("expected 2 admissions after refill, got %d", admitted)
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(1, time.Second)

	if !l.Allow("a/tool", limit) {
		t.Fatal("first key should be admitted")
	}
	if !l.Allow("b/tool", limit) {
		t.Fatal("second key should not share the first key's bucket")
	}
	if l.Allow("a/tool", limit) {
		t.Fatal("first key should now be exhausted")
	}
}

func TestAllowNoLimitAlwaysAdmits(t *testing.T) {
	t.Parallel()

	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", Limit{}) {
			t.Fatal("zero limit must not throttle")
		}
	}
}

func TestForgetRestoresFullBucket(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(1, time.Minute)

	if !l.Allow("k", limit) {
		t.Fatal("first call should be admitted")
	}
	if l.Allow("k", limit) {
		t.Fatal("bucket should be empty")
	}

	l.Forget("k")
	if !l.Allow("k", limit) {
		t.Fatal("forgotten key should start from a full bucket")
	}
}

func TestAllowSingleTokenUnderConcurrency(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(WithClock(clock.Now))
	limit := PerWindow(1, time.Minute)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("k", limit) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
}
