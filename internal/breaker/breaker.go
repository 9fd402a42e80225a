// Package breaker implements the per-backend circuit breaker that guards
// memory storage calls.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/pmframework/internal/breaker")

var tripsTotal metric.Int64Counter

func init() {
	var err error
	tripsTotal, err = meter.Int64Counter("breaker.trips.total",
		metric.WithDescription("Circuit breaker transitions to open"))
	if err != nil {
		tripsTotal, _ = meter.Int64Counter("breaker.trips.total.fallback")
	}
}

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal: requests flow through
	Open                  // Tripped: requests denied immediately
	HalfOpen              // Probe: one request allowed to test recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults used when a non-positive threshold or recovery timeout is given.
const (
	DefaultThreshold = 5
	DefaultRecovery  = 60 * time.Second
)

// ErrOpen is returned by Check when the breaker refuses a request. Callers
// treat it as "skip this backend now", distinct from a backend failure.
var ErrOpen = errors.New("circuit breaker open")

// Breaker trips after threshold consecutive failures and stays open for the
// recovery timeout. After that a single probe is admitted; its outcome closes
// or re-opens the circuit.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
	trips         int64
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker. threshold: consecutive failures to trip
// (default 5). recovery: how long to stay open before probing (default 60s).
func New(name string, threshold int, recovery time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecovery
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the name of the guarded resource.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a request may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.recovery {
			return false
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// Check is Allow returning ErrOpen (wrapped with the breaker name) on refusal.
func (b *Breaker) Check() error {
	if b.Allow() {
		return nil
	}
	return fmt.Errorf("%s: %w", b.name, ErrOpen)
}

// RecordSuccess resets the failure counter and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state == HalfOpen {
		b.state = Closed
	}
}

// RecordFailure counts a failure. A failed half-open probe re-opens the
// circuit immediately and restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now
	b.failures++

	if b.state == HalfOpen {
		b.trip(now)
		return
	}
	if b.state == Closed && b.failures >= b.threshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.probeInFlight = false
	b.trips++
	tripsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", b.name)))
	log.Warn().Str("breaker", b.name).Int("failures", b.failures).Dur("recovery", b.recovery).Msg("circuit_breaker_opened")
}

// Release gives back an admitted request whose outcome is unknown, for
// example because the caller canceled it. No failure is counted. A half-open
// breaker stays half-open and admits the next request.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// Reset closes the circuit and clears counters (operator override).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.probeInFlight = false
	b.openedAt = time.Time{}
}

// State returns the current state without side effects. An open breaker past
// its recovery timeout still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time copy of breaker state for health reports.
type Snapshot struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Failures    int           `json:"failures"`
	Threshold   int           `json:"threshold"`
	Recovery    time.Duration `json:"recovery"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
	OpenedAt    time.Time     `json:"opened_at,omitempty"`
	Trips       int64         `json:"trips"`
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Threshold:   b.threshold,
		Recovery:    b.recovery,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		Trips:       b.trips,
	}
}

// Set hands out one breaker per name, all sharing the same settings.
type Set struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	recovery  time.Duration
	opts      []Option
}

// NewSet creates an empty breaker set.
func NewSet(threshold int, recovery time.Duration, opts ...Option) *Set {
	return &Set{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		recovery:  recovery,
		opts:      opts,
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.threshold, s.recovery, s.opts...)
		s.breakers[name] = b
	}
	return b
}

// Snapshots returns a snapshot of every breaker created so far.
func (s *Set) Snapshots() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Snapshot, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
