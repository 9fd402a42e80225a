package policy

import (
	"sync"
	"time"
)

// windowLimiter is a sliding-window log: it keeps the accepted timestamps per
// key and admits an event when fewer than max fall inside the window.
type windowLimiter struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{logs: make(map[string][]time.Time)}
}

// allow records now under key and returns true when the key is under its limit.
func (w *windowLimiter) allow(key string, limit RateLimit, now time.Time) bool {
	if !limit.Enabled() {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-limit.Window)
	stamps := w.logs[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) >= limit.MaxEvents {
		w.logs[key] = stamps
		return false
	}
	w.logs[key] = append(stamps, now)
	return true
}

// count returns how many events key has inside the window ending at now.
func (w *windowLimiter) count(key string, window time.Duration, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range w.logs[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// prune drops keys with no timestamps newer than cutoff.
func (w *windowLimiter) prune(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, stamps := range w.logs {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(w.logs, k)
		}
	}
}
