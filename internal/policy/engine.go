// Package policy decides whether a trigger event becomes a memory. Each event
// type has a Config with ordered rules, a minimum priority and a rate limit.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	pmotel "github.com/dativo-io/pmframework/internal/otel"
	"github.com/dativo-io/pmframework/internal/trigger"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/policy")

// Stats counts evaluations by decision.
type Stats struct {
	Evaluations int64            `json:"evaluations"`
	ByDecision  map[string]int64 `json:"by_decision"`
	ByRule      map[string]int64 `json:"by_rule"`
	RateLimited int64            `json:"rate_limited"`
}

// Engine evaluates events against per-type configs. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	configs map[trigger.Type]Config

	window *windowLimiter
	global *rate.Limiter
	now    func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfigs replaces the built-in configs.
func WithConfigs(cfgs map[trigger.Type]Config) Option {
	return func(e *Engine) {
		e.configs = make(map[trigger.Type]Config, len(cfgs))
		for t, c := range cfgs {
			c.Type = t
			e.configs[t] = c.clone()
		}
	}
}

// WithGlobalRate caps accepted events across all types with a token bucket.
// perSecond <= 0 disables the cap.
func WithGlobalRate(perSecond float64, burst int) Option {
	return func(e *Engine) {
		if perSecond <= 0 {
			e.global = nil
			return
		}
		if burst <= 0 {
			burst = int(perSecond)
			if burst < 1 {
				burst = 1
			}
		}
		e.global = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock replaces time.Now for the sliding window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with DefaultConfigs unless overridden.
// Configs are validated; the first invalid one is returned as an error.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		window: newWindowLimiter(),
		now:    time.Now,
		stats:  Stats{ByDecision: map[string]int64{}, ByRule: map[string]int64{}},
	}
	WithConfigs(DefaultConfigs())(e)
	for _, opt := range opts {
		opt(e)
	}
	for _, c := range e.configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Evaluate decides what to do with ev:
//  1. no config for the type: allow
//  2. config disabled: deny
//  3. priority below the minimum: deny
//  4. rate limit exceeded: defer (critical events are exempt)
//  5. first matching rule by priority
//  6. the config's default decision
func (e *Engine) Evaluate(ctx context.Context, ev trigger.Event) trigger.Evaluation {
	_, span := tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("trigger.type", string(ev.Type)),
			attribute.String("trigger.priority", string(ev.Priority)),
			attribute.String("project", ev.Project),
		))
	defer span.End()

	result, limited := e.evaluate(ev)
	span.SetAttributes(
		attribute.String("policy.decision", string(result.Decision)),
		attribute.String("policy.rule", result.Rule),
	)
	e.record(result, limited)

	log.Debug().
		Str("event_id", ev.ID).
		Str("trigger_type", string(ev.Type)).
		Str("decision", string(result.Decision)).
		Str("rule", result.Rule).
		Str("reason", result.Reason).
		Msg("policy_evaluated")
	return result
}

// evaluate also reports whether a rate limiter produced the decision.
func (e *Engine) evaluate(ev trigger.Event) (trigger.Evaluation, bool) {
	e.mu.RLock()
	cfg, ok := e.configs[ev.Type]
	e.mu.RUnlock()

	if !ok {
		return trigger.Evaluation{Decision: trigger.DecisionAllow, Reason: "no policy configured"}, false
	}
	if !cfg.Enabled {
		return trigger.Evaluation{Decision: trigger.DecisionDeny, Reason: fmt.Sprintf("triggers disabled for %s", ev.Type)}, false
	}
	if cfg.MinPriority != "" && !ev.Priority.AtLeast(cfg.MinPriority) {
		return trigger.Evaluation{Decision: trigger.DecisionDeny,
			Reason: fmt.Sprintf("priority %s below minimum %s", ev.Priority, cfg.MinPriority)}, false
	}
	if ev.Priority != trigger.PriorityCritical {
		if !e.window.allow(ev.Project+"|"+string(ev.Type), cfg.RateLimit, e.now()) {
			return trigger.Evaluation{Decision: trigger.DecisionDefer,
				Reason: fmt.Sprintf("rate limit %d per %s exceeded", cfg.RateLimit.MaxEvents, cfg.RateLimit.Window)}, true
		}
		if e.global != nil && !e.global.AllowN(e.now(), 1) {
			return trigger.Evaluation{Decision: trigger.DecisionDefer, Reason: "global rate limit exceeded"}, true
		}
	}
	for _, r := range cfg.Rules {
		if !r.Matches(ev) {
			continue
		}
		res := trigger.Evaluation{Decision: r.Action, Rule: r.Name, Reason: "matched rule " + r.Name}
		if r.Action == trigger.DecisionModify && r.Overrides != nil {
			o := *r.Overrides
			o.Tags = append([]string(nil), r.Overrides.Tags...)
			res.Overrides = &o
		}
		return res, false
	}
	return trigger.Evaluation{Decision: cfg.DefaultDecision, Reason: "default decision"}, false
}

func (e *Engine) record(res trigger.Evaluation, rateLimited bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Evaluations++
	e.stats.ByDecision[string(res.Decision)]++
	if res.Rule != "" {
		e.stats.ByRule[res.Rule]++
	}
	if rateLimited {
		e.stats.RateLimited++
	}
}

// Stats returns a copy of the evaluation counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := Stats{
		Evaluations: e.stats.Evaluations,
		RateLimited: e.stats.RateLimited,
		ByDecision:  make(map[string]int64, len(e.stats.ByDecision)),
		ByRule:      make(map[string]int64, len(e.stats.ByRule)),
	}
	for k, v := range e.stats.ByDecision {
		out.ByDecision[k] = v
	}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

// Config returns the config for t.
func (e *Engine) Config(t trigger.Type) (Config, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.configs[t]
	if !ok {
		return Config{}, false
	}
	c.Rules = append([]Rule(nil), c.Rules...)
	return c, true
}

// UpdateConfig validates and replaces the config for cfg.Type.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.configs[cfg.Type] = cfg.clone()
	e.mu.Unlock()
	log.Info().Str("trigger_type", string(cfg.Type)).Int("rules", len(cfg.Rules)).Msg("policy_config_updated")
	return nil
}

// AddRule appends a rule to the config for t. The rule runs before
// lower-priority rules and after earlier rules of equal priority.
func (e *Engine) AddRule(t trigger.Type, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[t]
	if !ok {
		return fmt.Errorf("%w: no config for %s", ErrInvalidRule, t)
	}
	for _, existing := range cfg.Rules {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: rule %s already registered for %s", ErrInvalidRule, r.Name, t)
		}
	}
	cfg.Rules = append(cfg.Rules, r)
	e.configs[t] = cfg.clone()
	return nil
}

// RemoveRule deletes the named rule. It reports whether a rule was removed.
func (e *Engine) RemoveRule(t trigger.Type, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[t]
	if !ok {
		return false
	}
	kept := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(cfg.Rules) {
		return false
	}
	cfg.Rules = kept
	e.configs[t] = cfg
	return true
}

// PruneRateWindows forgets rate-limit history older than the longest window.
func (e *Engine) PruneRateWindows() {
	e.mu.RLock()
	var longest time.Duration
	for _, c := range e.configs {
		if c.RateLimit.Window > longest {
			longest = c.RateLimit.Window
		}
	}
	e.mu.RUnlock()
	e.window.prune(e.now().Add(-longest))
}

// QueueLimits returns the max queue size and batch size for t, falling back
// to the defaults when t has no config.
func (e *Engine) QueueLimits(t trigger.Type) (maxQueue, batch int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	maxQueue, batch = DefaultMaxQueueSize, DefaultBatchSize
	if c, ok := e.configs[t]; ok {
		if c.MaxQueueSize > 0 {
			maxQueue = c.MaxQueueSize
		}
		if c.BatchSize > 0 {
			batch = c.BatchSize
		}
	}
	return maxQueue, batch
}

// TimeoutFor returns the write timeout configured for t, or zero when t has
// no config or leaves it unset.
func (e *Engine) TimeoutFor(t trigger.Type) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.configs[t]; ok && c.Timeout > 0 {
		return c.Timeout
	}
	return 0
}
