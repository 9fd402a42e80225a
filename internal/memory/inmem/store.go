// Package inmem is a process-local memory.Backend. It is the last link of the
// default fallback chain and the backend tests use to inject failures.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dativo-io/pmframework/internal/memory"
)

// BackendName is the default name.
const BackendName = "memory"

// Store keeps memories in a map keyed by project.
type Store struct {
	name string

	mu       sync.RWMutex
	items    map[string][]memory.Item
	failWith error
	delay    time.Duration
	closed   bool
}

// New returns an empty store. An empty name means BackendName.
func New(name string) *Store {
	if name == "" {
		name = BackendName
	}
	return &Store{name: name, items: make(map[string][]memory.Item)}
}

// Name implements memory.Backend.
func (s *Store) Name() string { return s.name }

// FailWith makes every subsequent call return err. nil restores service.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// SetDelay makes every call block for d or until its context ends.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Store) gate(ctx context.Context) error {
	s.mu.RLock()
	failWith, delay, closed := s.failWith, s.delay, s.closed
	s.mu.RUnlock()

	if closed {
		return fmt.Errorf("%s: store closed", s.name)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return failWith
}

// Add implements memory.Backend.
func (s *Store) Add(ctx context.Context, item *memory.Item) (string, error) {
	if err := s.gate(ctx); err != nil {
		return "", err
	}
	memory.Prepare(item)
	cp := *item
	cp.Tags = append([]string(nil), item.Tags...)
	cp.Metadata = make(map[string]any, len(item.Metadata))
	for k, v := range item.Metadata {
		cp.Metadata[k] = v
	}

	s.mu.Lock()
	s.items[item.Project] = append(s.items[item.Project], cp)
	s.mu.Unlock()
	return item.ID, nil
}

// Search implements memory.Backend. Results are newest first.
func (s *Store) Search(ctx context.Context, project string, q memory.Query) ([]memory.Item, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := s.items[project]
	out := make([]memory.Item, 0, len(all))
	for i := range all {
		if q.Matches(&all[i]) {
			out = append(out, all[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck implements memory.Backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.gate(ctx)
}

// PurgeOlderThan implements memory.Purger.
func (s *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for project, items := range s.items {
		kept := items[:0]
		for _, it := range items {
			if it.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, it)
		}
		s.items[project] = kept
	}
	return purged, nil
}

// Len returns the number of stored memories across projects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, items := range s.items {
		n += len(items)
	}
	return n
}

// Close implements memory.Backend.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
