package trigger

import (
	"sync"
	"time"
)

// dedup tracks in-flight event IDs and recently completed ones.
type dedup struct {
	mu     sync.Mutex
	window time.Duration
	active map[string]struct{}
	recent map[string]time.Time
	now    func() time.Time
}

func newDedup(window time.Duration, now func() time.Time) *dedup {
	return &dedup{
		window: window,
		active: make(map[string]struct{}),
		recent: make(map[string]time.Time),
		now:    now,
	}
}

// claim marks id active. It returns false when id is already active or
// completed within the window.
func (d *dedup) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[id]; ok {
		return false
	}
	if at, ok := d.recent[id]; ok {
		if d.now().Sub(at) < d.window {
			return false
		}
		delete(d.recent, id)
	}
	d.active[id] = struct{}{}
	return true
}

// release ends the in-flight claim. remember keeps id in the recent set so a
// resubmission inside the window is rejected; events that may be retried
// (deferred, dropped, failed) are released without it.
func (d *dedup) release(id string, remember bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
	if remember && d.window > 0 {
		d.recent[id] = d.now()
	}
}

func (d *dedup) activeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// prune forgets completed IDs older than the window.
func (d *dedup) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.recent {
		if now.Sub(at) >= d.window {
			delete(d.recent, id)
		}
	}
}
