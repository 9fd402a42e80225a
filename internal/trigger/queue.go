package trigger

import (
	"sync"
	"time"
)

type queued struct {
	ev         Event
	enqueuedAt time.Time
}

// queue is a FIFO with a per-type bound.
type queue struct {
	mu     sync.Mutex
	items  []queued
	byType map[Type]int
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{byType: make(map[Type]int), wake: make(chan struct{}, 1)}
}

// push appends ev unless its type already holds maxSize events.
func (q *queue) push(ev Event, maxSize int, now time.Time) bool {
	q.mu.Lock()
	if q.byType[ev.Type] >= maxSize {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, queued{ev: ev, enqueuedAt: now})
	q.byType[ev.Type]++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes up to n events in FIFO order, taking at most perType(t) events
// of each type. Events passed over keep their position.
func (q *queue) pop(n int, perType func(Type) int) []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || n <= 0 {
		return nil
	}
	taken := make(map[Type]int)
	batch := make([]queued, 0, min(n, len(q.items)))
	kept := make([]queued, 0, len(q.items))
	for _, it := range q.items {
		if len(batch) < n && taken[it.ev.Type] < perType(it.ev.Type) {
			batch = append(batch, it)
			taken[it.ev.Type]++
			q.byType[it.ev.Type]--
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return batch
}

// requeue puts unprocessed events back at the front. Pushes may have refilled
// a type while its events were out, so the bound is applied again over the
// merged queue and the newest surplus events are returned as dropped.
func (q *queue) requeue(items []queued, maxSize func(Type) int) (dropped []queued) {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := append(append(make([]queued, 0, len(items)+len(q.items)), items...), q.items...)
	counts := make(map[Type]int)
	kept := merged[:0]
	for _, it := range merged {
		if counts[it.ev.Type] >= maxSize(it.ev.Type) {
			dropped = append(dropped, it)
			continue
		}
		counts[it.ev.Type]++
		kept = append(kept, it)
	}
	q.items = kept
	q.byType = counts
	return dropped
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) sizeByType() map[Type]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Type]int, len(q.byType))
	for t, n := range q.byType {
		if n > 0 {
			out[t] = n
		}
	}
	return out
}
