package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	pmotel "github.com/dativo-io/pmframework/internal/otel"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/trigger")

// ErrAlreadyRunning is returned by Start when the worker is already running.
var ErrAlreadyRunning = errors.New("trigger worker already running")

// MemoryWriter persists memories. *memory.Service implements it.
type MemoryWriter interface {
	AddMemory(ctx context.Context, project, content, category string, tags []string, metadata map[string]any) (string, error)
	ActiveBackend() string
}

// QueueLimiter supplies per-type queue bounds and write timeouts.
// *policy.Engine implements it. A zero timeout means CreateTimeout.
type QueueLimiter interface {
	QueueLimits(t Type) (maxQueue, batch int)
	TimeoutFor(t Type) time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	Enabled       bool
	CreateTimeout time.Duration // bound on one memory write, unless the type sets its own
	BatchSize     int           // events per background batch
	PollInterval  time.Duration // worker wake-up when idle
	DedupWindow   time.Duration // how long a completed event ID stays rejected; negative disables
	MaxQueueSize  int           // per type, when the evaluator has no QueueLimiter
}

// Defaults for zero Config fields.
const (
	DefaultCreateTimeout = 30 * time.Second
	DefaultBatchSize     = 10
	DefaultPollInterval  = time.Second
	DefaultDedupWindow   = 5 * time.Minute
	DefaultMaxQueueSize  = 1000
)

// Orchestrator evaluates events against policy and persists them, either
// immediately (critical) or through a background worker.
type Orchestrator struct {
	cfg    Config
	mem    MemoryWriter
	policy Evaluator
	limits QueueLimiter
	now    func() time.Time

	enabled atomic.Bool
	queue   *queue
	dedup   *dedup

	mu      sync.Mutex
	metrics Metrics

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for dedup windows.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. A nil evaluator allows everything.
func New(cfg Config, mem MemoryWriter, policy Evaluator, opts ...Option) *Orchestrator {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = DefaultCreateTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	switch {
	case cfg.DedupWindow == 0:
		cfg.DedupWindow = DefaultDedupWindow
	case cfg.DedupWindow < 0:
		cfg.DedupWindow = 0 // in-flight dedup only
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if policy == nil {
		policy = AllowAll
	}
	o := &Orchestrator{
		cfg:    cfg,
		mem:    mem,
		policy: policy,
		now:    time.Now,
		queue:  newQueue(),
		metrics: Metrics{
			ByType:      make(map[Type]int64),
			ByPriority:  make(map[Priority]int64),
			SkipReasons: make(map[string]int64),
		},
	}
	if l, ok := policy.(QueueLimiter); ok {
		o.limits = l
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dedup = newDedup(cfg.DedupWindow, o.now)
	o.enabled.Store(cfg.Enabled)
	return o
}

// SetEnabled turns event processing on or off. Queued events are unaffected.
func (o *Orchestrator) SetEnabled(on bool) { o.enabled.Store(on) }

// Enabled reports whether Trigger accepts events.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

func (o *Orchestrator) maxQueue(t Type) int {
	if o.limits != nil {
		if n, _ := o.limits.QueueLimits(t); n > 0 {
			return n
		}
	}
	return o.cfg.MaxQueueSize
}

func (o *Orchestrator) timeoutFor(t Type) time.Duration {
	if o.limits != nil {
		if d := o.limits.TimeoutFor(t); d > 0 {
			return d
		}
	}
	return o.cfg.CreateTimeout
}

func (o *Orchestrator) batchFor(t Type) int {
	if o.limits != nil {
		if _, n := o.limits.QueueLimits(t); n > 0 {
			return n
		}
	}
	return o.cfg.BatchSize
}

// Trigger runs ev through policy and persists or queues it. It never blocks
// on the queue. Only the immediate path waits for a backend write.
func (o *Orchestrator) Trigger(ctx context.Context, ev Event) Result {
	start := o.now()
	ev = ev.Normalized()

	ctx, span := tracer.Start(ctx, "trigger.process",
		trace.WithAttributes(
			attribute.String("trigger.event_id", ev.ID),
			attribute.String("trigger.type", string(ev.Type)),
			attribute.String("trigger.priority", string(ev.Priority)),
			attribute.String("project", ev.Project),
		))
	defer span.End()

	res := o.trigger(ctx, ev, start)
	span.SetAttributes(
		attribute.Bool("trigger.success", res.Success),
		attribute.Bool("trigger.queued", res.Queued),
		attribute.String("trigger.skip_reason", res.SkipReason),
	)
	if res.Err != "" {
		span.SetStatus(codes.Error, res.Err)
	}
	return res
}

func (o *Orchestrator) trigger(ctx context.Context, ev Event, start time.Time) Result {
	res := Result{EventID: ev.ID}

	o.mu.Lock()
	o.metrics.Total++
	o.metrics.ByType[ev.Type]++
	o.metrics.ByPriority[ev.Priority]++
	o.mu.Unlock()

	if !o.Enabled() {
		return o.skip(ctx, ev, res, SkipDisabled)
	}
	if err := ctx.Err(); err != nil {
		res.Err = err.Error()
		return o.skip(ctx, ev, res, SkipCanceled)
	}
	if !o.dedup.claim(ev.ID) {
		log.Debug().Str("event_id", ev.ID).Msg("trigger_duplicate_event")
		return o.skip(ctx, ev, res, SkipDuplicate)
	}

	eval := o.policy.Evaluate(ctx, ev)
	res.Decision = eval.Decision
	res.PolicyReason = eval.Reason

	switch eval.Decision {
	case DecisionDeny:
		o.dedup.release(ev.ID, true)
		return o.skip(ctx, ev, res, SkipPolicyDenied)
	case DecisionDefer:
		o.dedup.release(ev.ID, false)
		return o.skip(ctx, ev, res, SkipPolicyDeferred)
	case DecisionModify:
		if eval.Overrides != nil {
			ev = eval.Overrides.Apply(ev)
		}
	}

	if eval.Decision != DecisionBatch && ev.Priority == PriorityCritical {
		o.mu.Lock()
		o.metrics.Immediate++
		o.mu.Unlock()
		res = o.persist(ctx, ev, res)
		res.ProcessingTime = o.now().Sub(start)
		return res
	}

	if !o.queue.push(ev, o.maxQueue(ev.Type), o.now()) {
		o.dedup.release(ev.ID, false)
		o.mu.Lock()
		o.metrics.Dropped++
		o.mu.Unlock()
		eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
		log.Warn().
			Str("event_id", ev.ID).
			Str("trigger_type", string(ev.Type)).
			Int("max_queue_size", o.maxQueue(ev.Type)).
			Msg("trigger_queue_full")
		return o.skip(ctx, ev, res, SkipQueueFull)
	}
	queueDepth.Add(ctx, 1)
	o.mu.Lock()
	o.metrics.Queued++
	o.mu.Unlock()

	res.Success = true
	res.Queued = true
	res.ProcessingTime = o.now().Sub(start)
	return res
}

func (o *Orchestrator) skip(ctx context.Context, ev Event, res Result, reason string) Result {
	res.SkipReason = reason
	o.mu.Lock()
	o.metrics.Skipped++
	o.metrics.SkipReasons[reason]++
	o.mu.Unlock()
	eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.String("outcome", "skipped"),
	))
	return res
}

// persist writes ev. The write is detached from ctx cancellation and bounded
// by the type's timeout so a caller giving up cannot abandon it half-done.
func (o *Orchestrator) persist(ctx context.Context, ev Event, res Result) Result {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeoutFor(ev.Type))
	defer cancel()

	start := o.now()
	id, err := o.mem.AddMemory(wctx, ev.Project, ev.Content, ev.Category, ev.Tags, ev.provenance())
	elapsed := o.now().Sub(start)
	processingMS.Record(ctx, float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("type", string(ev.Type))))

	o.mu.Lock()
	o.metrics.TotalProcessingTime += elapsed
	if err != nil {
		o.metrics.Failed++
	} else {
		o.metrics.Successful++
	}
	o.mu.Unlock()

	if err != nil {
		o.dedup.release(ev.ID, false)
		eventsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(ev.Type)),
			attribute.String("outcome", "failed"),
		))
		log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("trigger_type", string(ev.Type)).
			Str("project", ev.Project).
			Func(pmotel.LogTraceFields(ctx)).
			Msg("trigger_persist_failed")
		res.Success = false
		res.Err = err.Error()
		return res
	}

	o.dedup.release(ev.ID, true)
	eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.String("outcome", "persisted"),
	))
	res.Success = true
	res.MemoryID = id
	res.Backend = o.mem.ActiveBackend()
	return res
}

// Start launches the background worker. It stops when ctx is cancelled or
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyRunning
	}
	wctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(wctx, o.done)
	log.Info().
		Int("batch_size", o.cfg.BatchSize).
		Dur("poll_interval", o.cfg.PollInterval).
		Msg("trigger_worker_started")
	return nil
}

// Stop cancels the worker, waits for it to exit, then drains whatever is
// still queued within ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.lifeMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for trigger worker: %w", ctx.Err())
		}
	}
	n, err := o.Flush(ctx)
	log.Info().Int("drained", n).Msg("trigger_worker_stopped")
	return err
}

// Running reports whether the background worker is active.
func (o *Orchestrator) Running() bool {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.cancel != nil
}

func (o *Orchestrator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.queue.wake:
		case <-ticker.C:
			o.dedup.prune()
		}
		for ctx.Err() == nil {
			batch := o.queue.pop(o.cfg.BatchSize, o.batchFor)
			if len(batch) == 0 {
				break
			}
			if rest := o.processBatch(ctx, batch); len(rest) > 0 {
				o.requeue(ctx, rest)
			}
		}
	}
}

// Flush synchronously persists every queued event. It returns the number of
// events processed; on ctx expiry the rest stay queued.
func (o *Orchestrator) Flush(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("flushing trigger queue: %w", err)
		}
		batch := o.queue.pop(o.cfg.BatchSize, o.batchFor)
		if len(batch) == 0 {
			return processed, nil
		}
		rest := o.processBatch(ctx, batch)
		processed += len(batch) - len(rest)
		if len(rest) > 0 {
			o.requeue(ctx, rest)
		}
	}
}

// requeue returns unprocessed events to the queue and drops whatever no
// longer fits under the per-type bound.
func (o *Orchestrator) requeue(ctx context.Context, rest []queued) {
	dropped := o.queue.requeue(rest, o.maxQueue)
	if len(dropped) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	queueDepth.Add(ctx, -int64(len(dropped)))
	o.mu.Lock()
	o.metrics.Dropped += int64(len(dropped))
	o.mu.Unlock()
	for _, it := range dropped {
		o.dedup.release(it.ev.ID, false)
		eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(it.ev.Type))))
		log.Warn().
			Str("event_id", it.ev.ID).
			Str("trigger_type", string(it.ev.Type)).
			Int("max_queue_size", o.maxQueue(it.ev.Type)).
			Msg("trigger_queue_full")
	}
}

// processBatch persists each event in order with per-event isolation. It
// returns the events left unprocessed because ctx ended.
func (o *Orchestrator) processBatch(ctx context.Context, batch []queued) []queued {
	ctx, span := tracer.Start(ctx, "trigger.batch",
		trace.WithAttributes(attribute.Int("trigger.batch_size", len(batch))))
	defer span.End()

	failed := 0
	for i, item := range batch {
		if ctx.Err() != nil {
			return batch[i:]
		}
		queueDepth.Add(ctx, -1)
		if !o.processQueued(ctx, item) {
			failed++
		}
	}
	if failed > 0 {
		log.Warn().Int("failed", failed).Int("batch_size", len(batch)).Msg("trigger_batch_partial_failure")
	}
	return nil
}

// processQueued persists one queued event, converting a panic into a failure.
func (o *Orchestrator) processQueued(ctx context.Context, item queued) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			workerRecovered.Add(ctx, 1)
			o.dedup.release(item.ev.ID, false)
			o.mu.Lock()
			o.metrics.Failed++
			o.mu.Unlock()
			log.Error().
				Interface("panic", r).
				Str("event_id", item.ev.ID).
				Msg("trigger_worker_panic")
			ok = false
		}
	}()
	res := o.persist(ctx, item.ev, Result{EventID: item.ev.ID})
	return res.Success
}

// QueueSize returns the number of queued events.
func (o *Orchestrator) QueueSize() int { return o.queue.size() }

// Metrics returns a snapshot of the counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	m := o.metrics
	m.ByType = make(map[Type]int64, len(o.metrics.ByType))
	for k, v := range o.metrics.ByType {
		m.ByType[k] = v
	}
	m.ByPriority = make(map[Priority]int64, len(o.metrics.ByPriority))
	for k, v := range o.metrics.ByPriority {
		m.ByPriority[k] = v
	}
	m.SkipReasons = make(map[string]int64, len(o.metrics.SkipReasons))
	for k, v := range o.metrics.SkipReasons {
		m.SkipReasons[k] = v
	}
	o.mu.Unlock()

	if done := m.Successful + m.Failed; done > 0 {
		m.AverageProcessingTime = m.TotalProcessingTime / time.Duration(done)
	}
	m.QueueSize = o.queue.size()
	m.QueueByType = o.queue.sizeByType()
	m.ActiveTriggers = o.dedup.activeCount()
	m.WorkerRunning = o.Running()
	return m
}
