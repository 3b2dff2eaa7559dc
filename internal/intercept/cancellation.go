package intercept

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// CancellationTracker records network requests the browser cancelled so that
// a continuation command failing on a vanished interception is not reported
// as a defect. Each recorded cancellation absorbs at most one failure.
type CancellationTracker struct {
	grace time.Duration

	mu        sync.Mutex
	cancelled map[network.RequestID]time.Time
	waiters   map[network.RequestID][]chan struct{}
}

// NewCancellationTracker creates a tracker. grace is how long a guard that
// hit a stale interception waits for a cancellation still in flight.
func NewCancellationTracker(grace time.Duration) *CancellationTracker {
	return &CancellationTracker{
		grace:     grace,
		cancelled: make(map[network.RequestID]time.Time),
		waiters:   make(map[network.RequestID][]chan struct{}),
	}
}

// OnLoadingFailed records id when the failure was a cancellation. A guard
// already waiting on id receives the cancellation directly.
func (t *CancellationTracker) OnLoadingFailed(id network.RequestID, canceled bool) {
	if !canceled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ws := t.waiters[id]; len(ws) > 0 {
		close(ws[0])
		if len(ws) == 1 {
			delete(t.waiters, id)
		} else {
			t.waiters[id] = ws[1:]
		}
		return
	}
	t.cancelled[id] = time.Now()
}

// WasCancelled reports whether id was cancelled and consumes the record.
func (t *CancellationTracker) WasCancelled(id network.RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cancelled[id]; !ok {
		return false
	}
	delete(t.cancelled, id)
	return true
}

// Guard runs op. A stale-interception failure is absorbed when id has a
// recorded cancellation, or receives one within the grace window; absorbed
// reports that case. Every other outcome is returned unchanged.
func (t *CancellationTracker) Guard(ctx context.Context, id network.RequestID, op func(context.Context) error) (absorbed bool, err error) {
	err = op(ctx)
	if err == nil || classify(err) != KindStaleInterception {
		return false, err
	}
	if t.awaitCancellation(ctx, id) {
		slog.Debug("stale interception absorbed", "network_id", id)
		return true, nil
	}
	return false, newError(CodeStaleInterception, "interception vanished without a browser cancellation", err)
}

func (t *CancellationTracker) awaitCancellation(ctx context.Context, id network.RequestID) bool {
	t.mu.Lock()
	if _, ok := t.cancelled[id]; ok {
		delete(t.cancelled, id)
		t.mu.Unlock()
		return true
	}
	if t.grace <= 0 {
		t.mu.Unlock()
		return false
	}
	ch := make(chan struct{})
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()

	timer := time.NewTimer(t.grace)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[id]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			if len(ws) == 0 {
				delete(t.waiters, id)
			} else {
				t.waiters[id] = ws
			}
			return false
		}
	}
	// Handed off between the timeout and re-acquiring the lock.
	return true
}

// Len returns the number of unconsumed cancellations.
func (t *CancellationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancelled)
}

// Sweep drops cancellations recorded before threshold.
func (t *CancellationTracker) Sweep(threshold time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	swept := 0
	for id, at := range t.cancelled {
		if at.Before(threshold) {
			delete(t.cancelled, id)
			swept++
		}
	}
	return swept
}

// Reset clears recorded cancellations. Waiting guards are left to time out.
func (t *CancellationTracker) Reset() {
	t.mu.Lock()
	t.cancelled = make(map[network.RequestID]time.Time)
	t.mu.Unlock()
}
