package intercept

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWasCancelledConsumes(t *testing.T) {
	tr := NewCancellationTracker(0)
	tr.OnLoadingFailed("net-1", false)
	if tr.WasCancelled("net-1") {
		t.Fatalf("WasCancelled() = true for non-cancel failure; want false")
	}

	tr.OnLoadingFailed("net-1", true)
	if !tr.WasCancelled("net-1") {
		t.Fatalf("WasCancelled() = false; want true")
	}
	if tr.WasCancelled("net-1") {
		t.Fatalf("second WasCancelled() = true; want false")
	}
}

func TestGuard(t *testing.T) {
	stale := func(context.Context) error { return staleErr() }
	ctx := context.Background()

	t.Run("success_passes", func(t *testing.T) {
		tr := NewCancellationTracker(0)
		absorbed, err := tr.Guard(ctx, "net-1", func(context.Context) error { return nil })
		if absorbed || err != nil {
			t.Fatalf("Guard() = %v, %v; want false, nil", absorbed, err)
		}
	})

	t.Run("other_error_unchanged", func(t *testing.T) {
		tr := NewCancellationTracker(0)
		tr.OnLoadingFailed("net-1", true)
		boom := errors.New("boom")
		absorbed, err := tr.Guard(ctx, "net-1", func(context.Context) error { return boom })
		if absorbed || err != boom {
			t.Fatalf("Guard() = %v, %v; want false, boom", absorbed, err)
		}
		if tr.Len() != 1 {
			t.Fatalf("Len() = %d; want cancellation kept", tr.Len())
		}
	})

	t.Run("absorbs_exactly_one", func(t *testing.T) {
		tr := NewCancellationTracker(0)
		tr.OnLoadingFailed("net-1", true)

		absorbed, err := tr.Guard(ctx, "net-1", stale)
		if !absorbed || err != nil {
			t.Fatalf("first Guard() = %v, %v; want true, nil", absorbed, err)
		}
		absorbed, err = tr.Guard(ctx, "net-1", stale)
		if absorbed || !HasCode(err, CodeStaleInterception) {
			t.Fatalf("second Guard() = %v, %v; want false, %s", absorbed, err, CodeStaleInterception)
		}
	})

	t.Run("other_network_id_not_absorbed", func(t *testing.T) {
		tr := NewCancellationTracker(0)
		tr.OnLoadingFailed("net-2", true)
		if _, err := tr.Guard(ctx, "net-1", stale); !HasCode(err, CodeStaleInterception) {
			t.Fatalf("Guard() = %v; want %s", err, CodeStaleInterception)
		}
	})

	t.Run("late_cancellation_within_grace", func(t *testing.T) {
		tr := NewCancellationTracker(2 * time.Second)
		go func() {
			time.Sleep(5 * time.Millisecond)
			tr.OnLoadingFailed("net-1", true)
		}()
		absorbed, err := tr.Guard(ctx, "net-1", stale)
		if !absorbed || err != nil {
			t.Fatalf("Guard() = %v, %v; want true, nil", absorbed, err)
		}
		if tr.Len() != 0 {
			t.Fatalf("Len() = %d; want 0 after hand-off", tr.Len())
		}
	})

	t.Run("grace_expires", func(t *testing.T) {
		tr := NewCancellationTracker(5 * time.Millisecond)
		if _, err := tr.Guard(ctx, "net-1", stale); !HasCode(err, CodeStaleInterception) {
			t.Fatalf("Guard() = %v; want %s", err, CodeStaleInterception)
		}
		tr.OnLoadingFailed("net-1", true)
		if tr.Len() != 1 {
			t.Fatalf("Len() = %d; want later cancellation recorded", tr.Len())
		}
	})
}

func TestGuardConcurrentWaitersShareNothing(t *testing.T) {
	tr := NewCancellationTracker(100 * time.Millisecond)
	stale := func(context.Context) error { return staleErr() }

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = tr.Guard(context.Background(), "net-1", stale)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	tr.OnLoadingFailed("net-1", true)
	wg.Wait()

	absorbed := 0
	for _, r := range results {
		if r {
			absorbed++
		}
	}
	if absorbed != 1 {
		t.Fatalf("absorbed = %d; want 1", absorbed)
	}
}

func TestCancellationSweep(t *testing.T) {
	tr := NewCancellationTracker(0)
	tr.OnLoadingFailed("net-1", true)
	if n := tr.Sweep(time.Now().Add(-time.Minute)); n != 0 {
		t.Fatalf("Sweep(past) = %d; want 0", n)
	}
	if n := tr.Sweep(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("Sweep(future) = %d; want 1", n)
	}
}
