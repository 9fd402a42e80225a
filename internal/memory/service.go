package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dativo-io/pmframework/internal/breaker"
	pmotel "github.com/dativo-io/pmframework/internal/otel"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/memory")

// Service errors.
var (
	ErrNotInitialized       = errors.New("memory service not initialized")
	ErrNoBackendAvailable   = errors.New("no memory backend available")
	ErrAllBackendsExhausted = errors.New("all memory backends exhausted")
	ErrUnknownBackend       = errors.New("unknown memory backend")
	ErrNotFound             = errors.New("memory not found")
)

// ServiceConfig controls backend selection and failover.
type ServiceConfig struct {
	// FallbackChain lists backend names in preference order. Empty means
	// every registered backend, in registration order.
	FallbackChain      []string
	BreakerThreshold   int
	BreakerRecovery    time.Duration
	OperationTimeout   time.Duration // per backend call
	HealthCheckTimeout time.Duration
}

// Defaults for ServiceConfig zero values.
const (
	DefaultOperationTimeout   = 10 * time.Second
	DefaultHealthCheckTimeout = 2 * time.Second
	maxSwitchEvents           = 20
)

// SwitchEvent records a change of the active backend.
type SwitchEvent struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// BackendMetrics are per-backend counters.
type BackendMetrics struct {
	Operations int64            `json:"operations"`
	Failures   int64            `json:"failures"`
	Rejected   int64            `json:"rejected"`
	LastError  string           `json:"last_error,omitempty"`
	Breaker    breaker.Snapshot `json:"breaker"`
}

// Metrics aggregates service counters across every configured backend.
type Metrics struct {
	ActiveBackend     string                    `json:"active_backend"`
	Adds              int64                     `json:"adds"`
	AddFailures       int64                     `json:"add_failures"`
	Searches          int64                     `json:"searches"`
	SearchFailures    int64                     `json:"search_failures"`
	BackendSwitches   int64                     `json:"backend_switches"`
	BreakerRejections int64                     `json:"breaker_rejections"`
	Switches          []SwitchEvent             `json:"switches,omitempty"`
	Backends          map[string]BackendMetrics `json:"backends"`
}

// BackendHealth is the health of one backend.
type BackendHealth struct {
	Name    string           `json:"name"`
	Healthy bool             `json:"healthy"`
	Active  bool             `json:"active"`
	Error   string           `json:"error,omitempty"`
	Latency time.Duration    `json:"latency"`
	Breaker breaker.Snapshot `json:"breaker"`
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health is the aggregate service health.
type Health struct {
	Status        string          `json:"status"`
	ActiveBackend string          `json:"active_backend"`
	Initialized   bool            `json:"initialized"`
	Backends      []BackendHealth `json:"backends"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// Service fronts a chain of backends. Writes and searches go to the active
// backend and fail over along the chain; every backend sits behind its own
// circuit breaker.
type Service struct {
	cfg      ServiceConfig
	backends map[string]Backend
	order    []string
	breakers *breaker.Set

	mu          sync.RWMutex
	active      string
	initialized bool
	counters    Metrics
	perBackend  map[string]*BackendMetrics
}

// NewService creates a service over the given backends. Breaker options are
// passed to every per-backend breaker.
func NewService(cfg ServiceConfig, backends []Backend, opts ...breaker.Option) *Service {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	s := &Service{
		cfg:        cfg,
		backends:   make(map[string]Backend, len(backends)),
		breakers:   breaker.NewSet(cfg.BreakerThreshold, cfg.BreakerRecovery, opts...),
		perBackend: make(map[string]*BackendMetrics, len(backends)),
	}
	for _, b := range backends {
		s.backends[b.Name()] = b
		s.order = append(s.order, b.Name())
		s.perBackend[b.Name()] = &BackendMetrics{}
	}
	return s
}

// chain returns the configured fallback chain restricted to registered backends.
func (s *Service) chain() []string {
	if len(s.cfg.FallbackChain) == 0 {
		return s.order
	}
	out := make([]string, 0, len(s.cfg.FallbackChain))
	for _, name := range s.cfg.FallbackChain {
		if _, ok := s.backends[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Initialize selects the first backend in the chain whose breaker and health
// check both pass.
func (s *Service) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "memory.service.initialize")
	defer span.End()

	for _, name := range s.cfg.FallbackChain {
		if _, ok := s.backends[name]; !ok {
			log.Warn().Str("backend", name).Msg("memory_backend_not_registered")
		}
	}

	chain := s.chain()
	var errs []error
	for i, name := range chain {
		if err := s.probe(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		s.initialized = true
		if i > 0 {
			s.recordSwitchLocked(ctx, chain[0], name, "initialize: preferred backend unavailable")
		}
		s.active = name
		s.mu.Unlock()

		span.SetAttributes(attribute.String("memory.active_backend", name))
		log.Info().Str("backend", name).Strs("chain", chain).Msg("memory_service_initialized")
		return nil
	}

	err := fmt.Errorf("initializing memory service: %w", errors.Join(append([]error{ErrNoBackendAvailable}, errs...)...))
	span.RecordError(err)
	span.SetStatus(codes.Error, "no backend available")
	return err
}

// probe runs a breaker-guarded health check and records its outcome.
func (s *Service) probe(ctx context.Context, name string) error {
	br := s.breakers.Get(name)
	if err := br.Check(); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()
	if err := s.backends[name].HealthCheck(hctx); err != nil {
		if ctx.Err() != nil {
			br.Release()
			return fmt.Errorf("%s: health check: %w", name, ctx.Err())
		}
		br.RecordFailure()
		s.recordFailure(name, err)
		log.Warn().Err(err).Str("backend", name).Msg("memory_backend_unhealthy")
		return fmt.Errorf("%s: health check: %w", name, err)
	}
	br.RecordSuccess()
	return nil
}

// candidates returns the active backend followed by the rest of the chain.
func (s *Service) candidates() []string {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	chain := s.chain()
	out := make([]string, 0, len(chain))
	if active != "" {
		out = append(out, active)
	}
	for _, name := range chain {
		if name != active {
			out = append(out, name)
		}
	}
	return out
}

// withFailover runs call against each candidate until one succeeds. It
// returns the name of the backend that served the call.
func (s *Service) withFailover(ctx context.Context, op string, call func(context.Context, Backend) error) (string, error) {
	s.mu.RLock()
	ready := s.initialized
	s.mu.RUnlock()
	if !ready {
		return "", ErrNotInitialized
	}

	var errs []error
	for _, name := range s.candidates() {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}

		br := s.breakers.Get(name)
		if err := br.Check(); err != nil {
			breakerRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", name)))
			s.mu.Lock()
			s.counters.BreakerRejections++
			s.perBackend[name].Rejected++
			s.mu.Unlock()
			errs = append(errs, err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		start := time.Now()
		err := call(callCtx, s.backends[name])
		cancel()
		backendLatencyMS.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("backend", name), attribute.String("op", op)))

		if err != nil {
			// The caller gave up; the backend is not to blame.
			if ctx.Err() != nil {
				br.Release()
				return "", fmt.Errorf("%s: %w", op, ctx.Err())
			}
			br.RecordFailure()
			s.recordFailure(name, err)
			backendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", name)))
			log.Warn().Err(err).Str("backend", name).Str("op", op).Func(pmotel.LogTraceFields(ctx)).Msg("memory_backend_failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		br.RecordSuccess()
		s.mu.Lock()
		s.perBackend[name].Operations++
		if name != s.active {
			s.recordSwitchLocked(ctx, s.active, name, op+" failover")
			s.active = name
		}
		s.mu.Unlock()
		return name, nil
	}

	return "", fmt.Errorf("%s: %w", op, errors.Join(append([]error{ErrAllBackendsExhausted}, errs...)...))
}

func (s *Service) recordFailure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bm, ok := s.perBackend[name]; ok {
		bm.Failures++
		bm.LastError = err.Error()
	}
}

// recordSwitchLocked must be called with s.mu held.
func (s *Service) recordSwitchLocked(ctx context.Context, from, to, reason string) {
	s.counters.BackendSwitches++
	s.counters.Switches = append(s.counters.Switches, SwitchEvent{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	if len(s.counters.Switches) > maxSwitchEvents {
		s.counters.Switches = s.counters.Switches[len(s.counters.Switches)-maxSwitchEvents:]
	}
	backendSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
	log.Warn().Str("from", from).Str("to", to).Str("reason", reason).Msg("memory_backend_switched")
}

// AddMemory stores a memory and returns its ID.
func (s *Service) AddMemory(ctx context.Context, project, content, category string, tags []string, metadata map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "memory.service.add",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.String("category", category),
		))
	defer span.End()

	if strings.TrimSpace(project) == "" {
		return "", fmt.Errorf("adding memory: project is required")
	}
	if category == "" {
		category = CategoryProject
	}

	var id string
	backend, err := s.withFailover(ctx, "add", func(ctx context.Context, b Backend) error {
		// Each attempt gets a fresh copy so a partial write cannot leak an ID
		// assigned by a failing backend into the next one.
		item := &Item{
			Project:  project,
			Content:  content,
			Category: category,
			Tags:     append([]string(nil), tags...),
			Metadata: copyMap(metadata),
		}
		var addErr error
		id, addErr = b.Add(ctx, item)
		return addErr
	})

	s.mu.Lock()
	if err != nil {
		s.counters.AddFailures++
	} else {
		s.counters.Adds++
	}
	s.mu.Unlock()

	if err != nil {
		addsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		return "", err
	}
	addsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	span.SetAttributes(attribute.String("memory.id", id), attribute.String("memory.backend", backend))
	return id, nil
}

// SearchMemories searches the project. A backend that answers with zero
// results is a success; failover only happens on errors.
func (s *Service) SearchMemories(ctx context.Context, project string, q Query) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "memory.service.search",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.String("query", q.Text),
		))
	defer span.End()

	var items []Item
	backend, err := s.withFailover(ctx, "search", func(ctx context.Context, b Backend) error {
		var searchErr error
		items, searchErr = b.Search(ctx, project, q)
		return searchErr
	})

	s.mu.Lock()
	if err != nil {
		s.counters.SearchFailures++
	} else {
		s.counters.Searches++
	}
	s.mu.Unlock()

	if err != nil {
		searchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}
	for i := range items {
		items[i].Backend = backend
	}
	searchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	span.SetAttributes(attribute.Int("memory.results", len(items)), attribute.String("memory.backend", backend))
	return items, nil
}

// SwitchBackend makes name the active backend after a passing health check.
// A passing check also resets that backend's breaker.
func (s *Service) SwitchBackend(ctx context.Context, name string) error {
	b, ok := s.backends[name]
	if !ok {
		return fmt.Errorf("switching to %q: %w", name, ErrUnknownBackend)
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()
	if err := b.HealthCheck(hctx); err != nil {
		return fmt.Errorf("switching to %q: health check: %w", name, err)
	}
	s.breakers.Get(name).Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	if s.active != name {
		s.recordSwitchLocked(ctx, s.active, name, "operator switch")
		s.active = name
	}
	return nil
}

// PreferPrimary switches back to the first backend of the chain when the
// service has failed over and the primary is healthy again. It reports
// whether a switch happened.
func (s *Service) PreferPrimary(ctx context.Context) (bool, error) {
	chain := s.chain()
	if len(chain) == 0 {
		return false, nil
	}
	primary := chain[0]
	if s.ActiveBackend() == primary {
		return false, nil
	}
	if err := s.probe(ctx, primary); err != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == primary {
		return false, nil
	}
	s.recordSwitchLocked(ctx, s.active, primary, "primary recovered")
	s.active = primary
	s.initialized = true
	return true, nil
}

// ActiveBackend returns the name of the active backend, or "" before Initialize.
func (s *Service) ActiveBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// BackendNames returns the effective fallback chain.
func (s *Service) BackendNames() []string {
	return append([]string(nil), s.chain()...)
}

// ServiceHealth probes every backend in the chain concurrently. Probes do not
// touch the breakers; the report includes each breaker's current state.
func (s *Service) ServiceHealth(ctx context.Context) Health {
	ctx, span := tracer.Start(ctx, "memory.service.health")
	defer span.End()

	chain := s.chain()
	active := s.ActiveBackend()
	results := make([]BackendHealth, len(chain))

	var g errgroup.Group
	for i, name := range chain {
		i, name := i, name
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
			defer cancel()
			start := time.Now()
			err := s.backends[name].HealthCheck(hctx)
			bh := BackendHealth{
				Name:    name,
				Healthy: err == nil,
				Active:  name == active,
				Latency: time.Since(start),
				Breaker: s.breakers.Get(name).Snapshot(),
			}
			if err != nil {
				bh.Error = err.Error()
			}
			results[i] = bh
			return nil
		})
	}
	_ = g.Wait()

	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()

	healthy := 0
	activeHealthy := false
	for _, r := range results {
		if r.Healthy {
			healthy++
			if r.Active {
				activeHealthy = true
			}
		}
	}
	status := StatusUnhealthy
	switch {
	case healthy == len(results) && activeHealthy:
		status = StatusHealthy
	case healthy > 0:
		status = StatusDegraded
	}
	span.SetAttributes(attribute.String("memory.health", status))

	return Health{
		Status:        status,
		ActiveBackend: active,
		Initialized:   initialized,
		Backends:      results,
		CheckedAt:     time.Now().UTC(),
	}
}

// Metrics returns a copy of the service counters.
func (s *Service) Metrics() Metrics {
	snaps := s.breakers.Snapshots()

	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.counters
	m.ActiveBackend = s.active
	m.Switches = append([]SwitchEvent(nil), s.counters.Switches...)
	m.Backends = make(map[string]BackendMetrics, len(s.perBackend))
	for name, bm := range s.perBackend {
		cp := *bm
		if snap, ok := snaps[name]; ok {
			cp.Breaker = snap
		} else {
			cp.Breaker = breaker.Snapshot{Name: name, State: breaker.Closed.String()}
		}
		m.Backends[name] = cp
	}
	return m
}

// PurgeOlderThan runs retention on every backend that supports it.
func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	var errs []error
	for _, name := range s.chain() {
		p, ok := s.backends[name].(Purger)
		if !ok {
			continue
		}
		n, err := p.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Close closes every backend.
func (s *Service) Close() error {
	var errs []error
	for _, name := range s.order {
		if err := s.backends[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
