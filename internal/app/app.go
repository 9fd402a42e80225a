// Package app wires the memory subsystem together. An App owns every
// component and their lifecycle; nothing is held in package-level state.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/breaker"
	"github.com/dativo-io/pmframework/internal/config"
	"github.com/dativo-io/pmframework/internal/coordination"
	"github.com/dativo-io/pmframework/internal/hooks"
	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/memory/inmem"
	"github.com/dativo-io/pmframework/internal/memory/redisstore"
	"github.com/dativo-io/pmframework/internal/memory/sqlitefts"
	"github.com/dativo-io/pmframework/internal/policy"
	"github.com/dativo-io/pmframework/internal/recall"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// App is the application context passed to the CLI and HTTP layers.
type App struct {
	Config       *config.Config
	Memory       *memory.Service
	Policy       *policy.Engine
	Orchestrator *trigger.Orchestrator
	Hooks        *hooks.Hooks
	Recaller     *recall.Recaller
	Tracker      *coordination.Tracker
	Maintenance  *memory.Maintenance // nil when no schedule is configured

	started bool
}

// Option configures New.
type Option func(*options)

type options struct {
	backends     []memory.Backend
	breakerOpts  []breaker.Option
	hookListener []hooks.Listener
}

// WithBackends replaces the backends built from the fallback chain.
func WithBackends(bs ...memory.Backend) Option {
	return func(o *options) { o.backends = bs }
}

// WithBreakerOptions passes options to every backend circuit breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *options) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// WithHookListener adds a hook listener besides the configured webhooks.
func WithHookListener(l hooks.Listener) Option {
	return func(o *options) { o.hookListener = append(o.hookListener, l) }
}

// New builds every component from cfg. Backends are opened but not yet
// probed; call Initialize before use.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backends := o.backends
	if backends == nil {
		var err error
		if backends, err = openBackends(cfg); err != nil {
			return nil, err
		}
	}

	engine, err := newPolicyEngine(ctx, cfg)
	if err != nil {
		closeAll(backends)
		return nil, err
	}

	svc := memory.NewService(memory.ServiceConfig{
		FallbackChain:      cfg.FallbackChain,
		BreakerThreshold:   cfg.BreakerThreshold,
		BreakerRecovery:    cfg.BreakerRecovery,
		HealthCheckTimeout: cfg.HealthCheckTimeout,
	}, backends, o.breakerOpts...)

	orch := trigger.New(trigger.Config{
		Enabled:       cfg.Enabled,
		CreateTimeout: cfg.CreateTimeout,
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.BatchPollInterval,
		DedupWindow:   cfg.DedupWindow,
	}, svc, engine)

	webhooks := make([]hooks.WebhookConfig, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		webhooks = append(webhooks, hooks.WebhookConfig{URL: w.URL, On: w.On})
	}
	var hookOpts []hooks.Option
	for _, l := range append(hooks.ListenersFromConfig(webhooks), o.hookListener...) {
		hookOpts = append(hookOpts, hooks.WithListener(l))
	}
	h := hooks.New(orch, hookOpts...)
	h.SetEnabled(cfg.Enabled)

	rec := recall.New(svc, recall.Config{Limit: cfg.RecallLimit, Timeout: cfg.RecallTimeout})

	a := &App{
		Config:       cfg,
		Memory:       svc,
		Policy:       engine,
		Orchestrator: orch,
		Hooks:        h,
		Recaller:     rec,
		Tracker:      coordination.NewTracker(h, rec),
	}

	if cfg.MaintenanceSchedule != "" {
		m, err := memory.NewMaintenance(svc, cfg.MaintenanceSchedule, cfg.RetentionDays)
		if err != nil {
			_ = svc.Close()
			return nil, err
		}
		m.AddTask("policy_rate_prune", func(context.Context) { engine.PruneRateWindows() })
		a.Maintenance = m
	}
	return a, nil
}

func newPolicyEngine(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	var opts []policy.Option
	rate := cfg.GlobalRatePerSecond
	if cfg.PolicyFile != "" {
		cfgs, file, err := policy.LoadFile(ctx, cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, policy.WithConfigs(cfgs))
		if rate == 0 {
			rate = file.GlobalRatePerSecond
		}
	}
	opts = append(opts, policy.WithGlobalRate(rate, 0))
	engine, err := policy.NewEngine(opts...)
	if err != nil {
		return nil, fmt.Errorf("building policy engine: %w", err)
	}
	return engine, nil
}

// openBackends opens each backend in the fallback chain. A backend that
// cannot be opened is left out and the chain falls through to the next.
func openBackends(cfg *config.Config) ([]memory.Backend, error) {
	var (
		out  []memory.Backend
		errs []error
	)
	for _, name := range cfg.FallbackChain {
		switch name {
		case config.BackendSQLite:
			if err := cfg.EnsureDataDir(); err != nil {
				errs = append(errs, fmt.Errorf("creating data dir: %w", err))
				continue
			}
			s, err := sqlitefts.Open(cfg.MemoryDBPath(), sqlitefts.WithDriver(cfg.SQLiteDriver))
			if err != nil {
				log.Warn().Err(err).Str("backend", name).Msg("memory_backend_open_failed")
				errs = append(errs, err)
				continue
			}
			if !s.HasFTS() {
				log.Warn().Str("path", cfg.MemoryDBPath()).Msg("sqlite_fts5_unavailable_using_like")
			}
			out = append(out, s)
		case config.BackendMemory:
			out = append(out, inmem.New(inmem.BackendName))
		case config.BackendRedis:
			out = append(out, redisstore.New(cfg.RedisAddr))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("opening memory backends: %w", errors.Join(append([]error{memory.ErrNoBackendAvailable}, errs...)...))
	}
	return out, nil
}

func closeAll(bs []memory.Backend) {
	for _, b := range bs {
		_ = b.Close()
	}
}

// Initialize selects the active backend, bounded by the detection timeout.
func (a *App) Initialize(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, a.Config.DetectionTimeout)
	defer cancel()
	return a.Memory.Initialize(dctx)
}

// Start launches the trigger worker and the maintenance schedule. The
// worker runs until ctx ends or Cleanup is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}
	if a.Maintenance != nil {
		a.Maintenance.Start()
	}
	a.started = true
	return nil
}

// Cleanup stops background work, drains the trigger queue within ctx and
// closes the backends.
func (a *App) Cleanup(ctx context.Context) error {
	var errs []error
	if a.started && a.Maintenance != nil {
		a.Maintenance.Stop()
	}
	if err := a.Orchestrator.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Hooks.Wait()
	if err := a.Memory.Close(); err != nil {
		errs = append(errs, err)
	}
	a.started = false
	return errors.Join(errs...)
}
