package supervisor

import (
	"sync"
	"time"
)

// failureWindow counts failures within a sliding expiry horizon. Entries
// older than the expiry fall out on every operation.
type failureWindow struct {
	mu     sync.Mutex
	expiry time.Duration
	times  []time.Time
	now    func() time.Time
}

func newFailureWindow(expiry time.Duration) *failureWindow {
	return &failureWindow{expiry: expiry, now: time.Now}
}

// Record registers a failure and returns the live count.
func (w *failureWindow) Record() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	w.times = append(w.times, w.now())
	return len(w.times)
}

// Len returns the live count.
func (w *failureWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.times)
}

// CountSince returns how many live failures happened within the last d.
func (w *failureWindow) CountSince(d time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	cutoff := w.now().Add(-d)
	n := 0
	for i := len(w.times) - 1; i >= 0; i-- {
		if !w.times[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (w *failureWindow) prune() {
	cutoff := w.now().Add(-w.expiry)
	keep := 0
	for keep < len(w.times) && !w.times[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.times = append(w.times[:0], w.times[keep:]...)
	}
}
