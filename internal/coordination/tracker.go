// Package coordination keeps a thin record of multi-agent workflows and
// handoffs and writes their outcomes to memory through the hooks.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/hooks"
	"github.com/dativo-io/pmframework/internal/recall"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// Source is the hook source for everything the tracker records.
const Source = "coordination"

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrInvalidHandoff  = errors.New("invalid handoff")
)

// Recorder writes coordination outcomes. *hooks.Hooks implements it.
type Recorder interface {
	WorkflowCompleted(ctx context.Context, hc hooks.HookContext, p hooks.WorkflowParams) trigger.Result
	DecisionPoint(ctx context.Context, hc hooks.HookContext, p hooks.DecisionParams) trigger.Result
}

// HandoffRecaller recalls context for a receiving agent. *recall.Recaller
// implements it.
type HandoffRecaller interface {
	RecallForHandoff(ctx context.Context, project, toAgent, task string, handoffContext map[string]any) recall.Result
}

// StepStatus is the state of a workflow step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// Step is one unit of a workflow.
type Step struct {
	Name   string     `json:"name"`
	Agent  string     `json:"agent,omitempty"`
	Status StepStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at,omitempty"`
}

// Workflow is a tracked multi-step command.
type Workflow struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Command   string    `json:"command"`
	Steps     []Step    `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

func (w *Workflow) clone() Workflow {
	c := *w
	c.Steps = append([]Step(nil), w.Steps...)
	return c
}

// Tracker tracks active workflows. Safe for concurrent use.
type Tracker struct {
	rec      Recorder
	recaller HandoffRecaller
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*Workflow
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used for step times and durations.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker writing through rec and recalling through
// recaller.
func NewTracker(rec Recorder, recaller HandoffRecaller, opts ...Option) *Tracker {
	t := &Tracker{
		rec:      rec,
		recaller: recaller,
		now:      time.Now,
		active:   make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartWorkflow begins tracking command in project with the given steps.
func (t *Tracker) StartWorkflow(project, command string, steps []string) (Workflow, error) {
	if project == "" || command == "" {
		return Workflow{}, fmt.Errorf("starting workflow: project and command are required")
	}
	w := &Workflow{
		ID:        "wf_" + ulid.Make().String(),
		Project:   project,
		Command:   command,
		StartedAt: t.now(),
	}
	for _, s := range steps {
		w.Steps = append(w.Steps, Step{Name: s, Status: StepPending})
	}

	t.mu.Lock()
	t.active[w.ID] = w
	t.mu.Unlock()

	log.Info().Str("workflow_id", w.ID).Str("project", project).Str("command", command).Msg("workflow_started")
	return w.clone(), nil
}

// RecordStep marks a step done or failed. Steps not declared at start are
// appended.
func (t *Tracker) RecordStep(id, step, agent string, success bool, note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	status := StepDone
	if !success {
		status = StepFailed
	}
	for i := range w.Steps {
		if w.Steps[i].Name == step {
			w.Steps[i].Agent, w.Steps[i].Status, w.Steps[i].Note, w.Steps[i].At = agent, status, note, t.now()
			return nil
		}
	}
	w.Steps = append(w.Steps, Step{Name: step, Agent: agent, Status: status, Note: note, At: t.now()})
	return nil
}

// Get returns an active workflow.
func (t *Tracker) Get(id string) (Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.active[id]
	if !ok {
		return Workflow{}, false
	}
	return w.clone(), true
}

// Active returns active workflows, oldest first.
func (t *Tracker) Active() []Workflow {
	t.mu.Lock()
	out := make([]Workflow, 0, len(t.active))
	for _, w := range t.active {
		out = append(out, w.clone())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Complete stops tracking a workflow and records its outcome as a workflow
// completion. The workflow ID is the event ID, so a retried Complete of the
// same workflow is deduplicated downstream.
func (t *Tracker) Complete(ctx context.Context, id string, success bool, results map[string]any) (trigger.Result, error) {
	t.mu.Lock()
	w, ok := t.active[id]
	if ok {
		delete(t.active, id)
	}
	t.mu.Unlock()
	if !ok {
		return trigger.Result{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}

	done, failed := 0, 0
	for _, s := range w.Steps {
		switch s.Status {
		case StepDone:
			done++
		case StepFailed:
			failed++
		}
	}
	merged := map[string]any{"steps_total": len(w.Steps), "steps_done": done}
	if failed > 0 {
		merged["steps_failed"] = failed
	}
	for k, v := range results {
		merged[k] = v
	}

	res := t.rec.WorkflowCompleted(ctx, hooks.HookContext{
		Project:   w.Project,
		Source:    Source,
		Operation: w.Command,
		EventID:   w.ID,
		Metadata:  map[string]any{"workflow_id": w.ID},
	}, hooks.WorkflowParams{
		WorkflowType: w.Command,
		Success:      success && failed == 0,
		Duration:     t.now().Sub(w.StartedAt),
		Results:      merged,
	})
	log.Info().Str("workflow_id", w.ID).Bool("success", success).Int("steps_done", done).Msg("workflow_completed")
	return res, nil
}
