// Package hooks translates named framework occurrences (a finished workflow,
// an agent operation, a resolved error) into trigger events and hands them to
// the orchestrator.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	pmotel "github.com/dativo-io/pmframework/internal/otel"
	"github.com/dativo-io/pmframework/internal/trigger"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/hooks")

var (
	// ErrUnknownHook is returned by Fire for a name with no trigger type.
	ErrUnknownHook = errors.New("unknown hook")
	// ErrProjectRequired is reported when a hook fires without a project.
	ErrProjectRequired = errors.New("hook context has no project")
)

// Triggerer accepts trigger events. *trigger.Orchestrator implements it.
type Triggerer interface {
	Trigger(ctx context.Context, ev trigger.Event) trigger.Result
}

// HookContext carries what every hook call shares. EventID makes retried
// calls idempotent; leave it empty to get a fresh ID.
type HookContext struct {
	Operation string         `json:"operation"`
	Project   string         `json:"project"`
	Source    string         `json:"source"`
	EventID   string         `json:"event_id,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metrics are cumulative hook counters.
type Metrics struct {
	Executed       int64            `json:"executed"`
	Succeeded      int64            `json:"succeeded"`
	Failed         int64            `json:"failed"`
	Skipped        int64            `json:"skipped"`
	ByHook         map[string]int64 `json:"by_hook"`
	TotalLatency   time.Duration    `json:"total_latency"`
	AverageLatency time.Duration    `json:"average_latency"`
}

// Hooks is the entry point agents call. Safe for concurrent use.
type Hooks struct {
	orch      Triggerer
	enabled   atomic.Bool
	listeners []Listener
	now       func() time.Time

	wg sync.WaitGroup

	mu    sync.Mutex
	stats Metrics
}

// Option configures Hooks.
type Option func(*Hooks)

// WithListener registers a listener notified after every fired hook.
func WithListener(l Listener) Option {
	return func(h *Hooks) {
		if l != nil {
			h.listeners = append(h.listeners, l)
		}
	}
}

// WithClock overrides the clock used for latency and decorator durations.
func WithClock(now func() time.Time) Option {
	return func(h *Hooks) { h.now = now }
}

// New returns enabled hooks feeding orch.
func New(orch Triggerer, opts ...Option) *Hooks {
	h := &Hooks{
		orch:  orch,
		now:   time.Now,
		stats: Metrics{ByHook: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.enabled.Store(true)
	return h
}

// SetEnabled turns all hooks on or off. Disabled hooks return a skipped
// result without reaching the orchestrator.
func (h *Hooks) SetEnabled(on bool) { h.enabled.Store(on) }

// Enabled reports whether hooks are on.
func (h *Hooks) Enabled() bool { return h.enabled.Load() }

// WorkflowCompleted records a finished workflow.
func (h *Hooks) WorkflowCompleted(ctx context.Context, hc HookContext, p WorkflowParams) trigger.Result {
	return h.emit(ctx, HookWorkflowComplete, trigger.TypeWorkflowCompletion, hc, p.content(),
		trigger.WorkflowDetails{WorkflowType: p.WorkflowType, Success: p.Success, Duration: p.duration(), Results: p.Results},
		[]string{p.WorkflowType, outcomeTag(p.Success)}, nil)
}

// AgentOperationCompleted records one agent operation.
func (h *Hooks) AgentOperationCompleted(ctx context.Context, hc HookContext, p AgentOperationParams) trigger.Result {
	if p.Operation == "" {
		p.Operation = hc.Operation
	}
	return h.emit(ctx, HookAgentOperationComplete, trigger.TypeAgentOperation, hc, p.content(),
		trigger.AgentOperationDetails{AgentType: p.AgentType, Operation: p.Operation, Success: p.Success, Duration: p.Duration, Error: p.Error},
		[]string{p.AgentType, p.Operation, outcomeTag(p.Success)}, nil)
}

// IssueResolved records an issue resolution.
func (h *Hooks) IssueResolved(ctx context.Context, hc HookContext, p IssueParams) trigger.Result {
	return h.emit(ctx, HookIssueResolved, trigger.TypeIssueResolution, hc, p.content(),
		trigger.IssueDetails{IssueID: p.IssueID, Resolution: p.Resolution, Success: p.Success},
		[]string{p.IssueID, outcomeTag(p.Success)}, nil)
}

// ErrorResolution records an error and how it was handled. Error events
// are always critical and written synchronously.
func (h *Hooks) ErrorResolution(ctx context.Context, hc HookContext, p ErrorParams) trigger.Result {
	return h.errorHook(ctx, HookErrorResolution, hc, p, nil)
}

func (h *Hooks) errorHook(ctx context.Context, name string, hc HookContext, p ErrorParams, extra map[string]any) trigger.Result {
	return h.emit(ctx, name, trigger.TypeErrorResolution, hc, p.content(),
		trigger.ErrorDetails{ErrorType: p.ErrorType, Message: p.Message, Resolution: p.Resolution, Resolved: p.Resolved},
		[]string{p.ErrorType, outcomeTag(p.Resolved)}, extra)
}

// KnowledgeCapture stores a piece of team knowledge.
func (h *Hooks) KnowledgeCapture(ctx context.Context, hc HookContext, p KnowledgeParams) trigger.Result {
	return h.emit(ctx, HookKnowledgeCapture, trigger.TypeKnowledgeCapture, hc, p.content(),
		trigger.KnowledgeDetails{Topic: p.Topic, Reference: p.Reference},
		[]string{p.Topic}, nil)
}

// DecisionPoint records a decision with its rationale.
func (h *Hooks) DecisionPoint(ctx context.Context, hc HookContext, p DecisionParams) trigger.Result {
	return h.emit(ctx, HookDecisionPoint, trigger.TypeDecisionPoint, hc, p.content(),
		trigger.DecisionDetails{Decision: p.Decision, Rationale: p.Rationale, Alternatives: p.Alternatives},
		nil, nil)
}

// ProjectMilestone records a milestone reached or missed.
func (h *Hooks) ProjectMilestone(ctx context.Context, hc HookContext, p MilestoneParams) trigger.Result {
	return h.emit(ctx, HookProjectMilestone, trigger.TypeProjectMilestone, hc, p.content(),
		trigger.MilestoneDetails{Milestone: p.Milestone, Description: p.Description, Achieved: p.Achieved},
		[]string{p.Milestone, outcomeTag(p.Achieved)}, nil)
}

// PatternDetected records a recurring pattern.
func (h *Hooks) PatternDetected(ctx context.Context, hc HookContext, p PatternParams) trigger.Result {
	return h.emit(ctx, HookPatternDetected, trigger.TypePatternDetection, hc, p.content(),
		trigger.PatternDetails{PatternType: p.PatternType, Occurrences: p.Occurrences, Confidence: p.Confidence},
		[]string{p.PatternType}, nil)
}

// Fire dispatches a hook by name, decoding typed parameters from extra.
// Keys that are not parameters of the hook are kept as event metadata.
func (h *Hooks) Fire(ctx context.Context, hookName string, hc HookContext, extra map[string]any) (trigger.Result, error) {
	t, ok := TypeFor(hookName)
	if !ok {
		return trigger.Result{}, fmt.Errorf("%w: %q", ErrUnknownHook, hookName)
	}
	rest := leftovers(t, extra)

	switch t {
	case trigger.TypeWorkflowCompletion:
		p := WorkflowParams{
			WorkflowType: str(extra, "workflow_type"),
			Success:      boolean(extra, "success", true),
			Duration:     seconds(extra, "duration"),
			Results:      object(extra, "results"),
		}
		return h.emit(ctx, HookWorkflowComplete, t, hc, p.content(),
			trigger.WorkflowDetails{WorkflowType: p.WorkflowType, Success: p.Success, Duration: p.duration(), Results: p.Results},
			[]string{p.WorkflowType, outcomeTag(p.Success)}, rest), nil
	case trigger.TypeAgentOperation:
		p := AgentOperationParams{
			AgentType: str(extra, "agent_type"),
			Operation: str(extra, "operation"),
			Success:   boolean(extra, "success", true),
			Duration:  seconds(extra, "duration"),
			Error:     str(extra, "error"),
		}
		if p.Operation == "" {
			p.Operation = hc.Operation
		}
		return h.emit(ctx, HookAgentOperationComplete, t, hc, p.content(),
			trigger.AgentOperationDetails{AgentType: p.AgentType, Operation: p.Operation, Success: p.Success, Duration: p.Duration, Error: p.Error},
			[]string{p.AgentType, p.Operation, outcomeTag(p.Success)}, rest), nil
	case trigger.TypeIssueResolution:
		p := IssueParams{
			IssueID:    str(extra, "issue_id"),
			Resolution: str(extra, "resolution"),
			Success:    boolean(extra, "success", true),
		}
		return h.emit(ctx, HookIssueResolved, t, hc, p.content(),
			trigger.IssueDetails{IssueID: p.IssueID, Resolution: p.Resolution, Success: p.Success},
			[]string{p.IssueID, outcomeTag(p.Success)}, rest), nil
	case trigger.TypeErrorResolution:
		p := ErrorParams{
			ErrorType:  str(extra, "error_type"),
			Message:    str(extra, "message"),
			Resolution: str(extra, "resolution"),
			Resolved:   boolean(extra, "resolved", false),
		}
		return h.errorHook(ctx, hookName, hc, p, rest), nil
	case trigger.TypeKnowledgeCapture:
		p := KnowledgeParams{
			Topic:     str(extra, "topic"),
			Content:   str(extra, "content"),
			Reference: str(extra, "reference"),
		}
		return h.emit(ctx, HookKnowledgeCapture, t, hc, p.content(),
			trigger.KnowledgeDetails{Topic: p.Topic, Reference: p.Reference},
			[]string{p.Topic}, rest), nil
	case trigger.TypeDecisionPoint:
		p := DecisionParams{
			Decision:     str(extra, "decision"),
			Rationale:    str(extra, "rationale"),
			Alternatives: stringList(extra, "alternatives"),
		}
		return h.emit(ctx, HookDecisionPoint, t, hc, p.content(),
			trigger.DecisionDetails{Decision: p.Decision, Rationale: p.Rationale, Alternatives: p.Alternatives},
			nil, rest), nil
	case trigger.TypeProjectMilestone:
		p := MilestoneParams{
			Milestone:   str(extra, "milestone"),
			Description: str(extra, "description"),
			Achieved:    boolean(extra, "achieved", true),
		}
		return h.emit(ctx, HookProjectMilestone, t, hc, p.content(),
			trigger.MilestoneDetails{Milestone: p.Milestone, Description: p.Description, Achieved: p.Achieved},
			[]string{p.Milestone, outcomeTag(p.Achieved)}, rest), nil
	default:
		occ, _ := toFloat(extra["occurrences"])
		conf, _ := toFloat(extra["confidence"])
		p := PatternParams{
			PatternType: str(extra, "pattern_type"),
			Description: str(extra, "description"),
			Occurrences: int(occ),
			Confidence:  conf,
		}
		return h.emit(ctx, HookPatternDetected, t, hc, p.content(),
			trigger.PatternDetails{PatternType: p.PatternType, Occurrences: p.Occurrences, Confidence: p.Confidence},
			[]string{p.PatternType}, rest), nil
	}
}

func (h *Hooks) emit(ctx context.Context, name string, t trigger.Type, hc HookContext, content string,
	details trigger.Details, domainTags []string, extra map[string]any) trigger.Result {
	if !h.Enabled() {
		return trigger.Result{SkipReason: trigger.SkipDisabled}
	}

	ctx, span := tracer.Start(ctx, "hooks.fire",
		trace.WithAttributes(
			attribute.String("hook", name),
			attribute.String("project", hc.Project),
		))
	defer span.End()

	start := h.now()
	if hc.Project == "" {
		res := trigger.Result{EventID: hc.EventID, Err: ErrProjectRequired.Error()}
		h.record(ctx, name, res, h.now().Sub(start))
		return res
	}

	tags := make([]string, 0, len(domainTags)+len(hc.Tags)+3)
	tags = append(tags, name, hc.Source, hc.Operation)
	tags = append(tags, domainTags...)
	tags = append(tags, hc.Tags...)

	md := make(map[string]any, len(hc.Metadata)+len(extra)+1)
	for k, v := range hc.Metadata {
		md[k] = v
	}
	for k, v := range extra {
		md[k] = v
	}
	md["hook"] = name

	ev := trigger.Event{
		ID:       hc.EventID,
		Type:     t,
		Priority: PriorityFor(t),
		Project:  hc.Project,
		Content:  content,
		Category: CategoryFor(t),
		Tags:     trigger.NormalizeTags(tags),
		Details:  details,
		Extra:    md,
		Source:   hc.Source,
	}
	if hc.Operation != "" {
		ev.Context = map[string]any{"operation": hc.Operation}
	}

	res := h.orch.Trigger(ctx, ev)
	elapsed := h.now().Sub(start)
	h.record(ctx, name, res, elapsed)

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.String("skip_reason", res.SkipReason),
	)
	switch {
	case res.Err != "":
		log.Warn().Str("hook", name).Str("project", hc.Project).Str("event_id", res.EventID).
			Str("error", res.Err).Msg("hook_trigger_failed")
	default:
		log.Debug().Str("hook", name).Str("project", hc.Project).Str("event_id", res.EventID).
			Bool("queued", res.Queued).Str("skip_reason", res.SkipReason).Msg("hook_fired")
	}

	h.notify(ctx, Notification{
		Hook:       name,
		Project:    hc.Project,
		EventID:    res.EventID,
		Type:       t,
		Content:    content,
		Tags:       ev.Tags,
		Success:    res.Success,
		SkipReason: res.SkipReason,
		MemoryID:   res.MemoryID,
		Error:      res.Err,
		At:         h.now().UTC(),
	})
	return res
}

func (h *Hooks) record(ctx context.Context, name string, res trigger.Result, elapsed time.Duration) {
	outcome := "succeeded"
	h.mu.Lock()
	h.stats.Executed++
	h.stats.ByHook[name]++
	h.stats.TotalLatency += elapsed
	switch {
	case res.Success:
		h.stats.Succeeded++
	case res.Skipped():
		h.stats.Skipped++
		outcome = "skipped"
	default:
		h.stats.Failed++
		outcome = "failed"
	}
	h.mu.Unlock()

	hooksExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hook", name),
		attribute.String("outcome", outcome),
	))
	hookLatencyMS.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String("hook", name),
	))
}

// Metrics returns a snapshot of the hook counters.
func (h *Hooks) Metrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.stats
	m.ByHook = make(map[string]int64, len(h.stats.ByHook))
	for k, v := range h.stats.ByHook {
		m.ByHook[k] = v
	}
	if m.Executed > 0 {
		m.AverageLatency = m.TotalLatency / time.Duration(m.Executed)
	}
	return m
}

// Wait blocks until in-flight listener notifications finish.
func (h *Hooks) Wait() { h.wg.Wait() }
