package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/memory/inmem"
	"github.com/dativo-io/pmframework/internal/recall"
	"github.com/dativo-io/pmframework/internal/trigger"
)

type fakeTriggerer struct {
	mu     sync.Mutex
	events []trigger.Event
	result trigger.Result
}

func (f *fakeTriggerer) Trigger(_ context.Context, ev trigger.Event) trigger.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	res := f.result
	if res == (trigger.Result{}) {
		res = trigger.Result{Success: true, MemoryID: "mem_1"}
	}
	res.EventID = ev.ID
	return res
}

func (f *fakeTriggerer) last(t *testing.T) trigger.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

// stepClock advances one second per reading.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

var acme = HookContext{Project: "acme", Source: "orchestrator", Operation: "release"}

func TestTypeFor(t *testing.T) {
	for name, want := range hookTypes {
		got, ok := TypeFor(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
	got, ok := TypeFor("Build_Error")
	require.True(t, ok)
	assert.Equal(t, trigger.TypeErrorResolution, got)

	_, ok = TypeFor("lunch_break")
	assert.False(t, ok)
}

func TestPriorityAndCategory(t *testing.T) {
	assert.Equal(t, trigger.PriorityCritical, PriorityFor(trigger.TypeErrorResolution))
	assert.Equal(t, trigger.PriorityHigh, PriorityFor(trigger.TypeWorkflowCompletion))
	assert.Equal(t, trigger.PriorityMedium, PriorityFor(trigger.TypeAgentOperation))
	assert.Equal(t, trigger.PriorityMedium, PriorityFor(trigger.TypeDecisionPoint))

	assert.Equal(t, memory.CategoryError, CategoryFor(trigger.TypeErrorResolution))
	assert.Equal(t, memory.CategoryPattern, CategoryFor(trigger.TypeWorkflowCompletion))
	assert.Equal(t, memory.CategoryPattern, CategoryFor(trigger.TypeAgentOperation))
	assert.Equal(t, memory.CategoryProject, CategoryFor(trigger.TypeIssueResolution))
	assert.Equal(t, memory.CategoryProject, CategoryFor(trigger.TypeProjectMilestone))
	assert.Equal(t, memory.CategoryProject, CategoryFor(trigger.TypeDecisionPoint))
	assert.Equal(t, memory.CategoryTeam, CategoryFor(trigger.TypeKnowledgeCapture))
}

func TestWorkflowCompleted_Event(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)

	res := h.WorkflowCompleted(context.Background(), acme, WorkflowParams{
		WorkflowType: "deploy",
		Success:      true,
		Results:      map[string]any{"duration": 42},
	})
	require.True(t, res.Success)

	ev := f.last(t)
	assert.Equal(t, trigger.TypeWorkflowCompletion, ev.Type)
	assert.Equal(t, trigger.PriorityHigh, ev.Priority)
	assert.Equal(t, memory.CategoryPattern, ev.Category)
	assert.Equal(t, "Workflow 'deploy' completed successfully in 42.0s. Results: duration=42", ev.Content)
	assert.Subset(t, ev.Tags, []string{"workflow_complete", "deploy", "success", "orchestrator", "release"})
	assert.Equal(t, "workflow_complete", ev.Extra["hook"])

	md := ev.Metadata()
	assert.Equal(t, true, md[memory.MetaSuccess])
	assert.InDelta(t, 42.0, md[memory.MetaDuration], 0.001)
}

func TestContentPhrasing(t *testing.T) {
	assert.Equal(t, "Workflow 'build' failed.", WorkflowParams{WorkflowType: "build"}.content())
	assert.Equal(t, "Agent 'qa' operation 'run_tests' failed in 2.5s: 3 tests red.",
		AgentOperationParams{AgentType: "qa", Operation: "run_tests", Duration: 2500 * time.Millisecond, Error: "3 tests red"}.content())
	assert.Equal(t, "Issue ISS-7 resolved: patched config.", IssueParams{IssueID: "ISS-7", Resolution: "patched config", Success: true}.content())
	assert.Equal(t, "Error 'db_timeout' resolved: pool exhausted. Resolution: raised pool size.",
		ErrorParams{ErrorType: "db_timeout", Message: "pool exhausted", Resolution: "raised pool size", Resolved: true}.content())
	assert.Equal(t, "Decision: use sqlite. Rationale: zero ops. Alternatives considered: postgres, redis.",
		DecisionParams{Decision: "use sqlite", Rationale: "zero ops", Alternatives: []string{"postgres", "redis"}}.content())
	assert.Equal(t, "Milestone 'v1' missed.", MilestoneParams{Milestone: "v1"}.content())
	assert.Equal(t, "Knowledge captured on 'unknown'.", KnowledgeParams{}.content())
}

func TestErrorResolution_IsCritical(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	h.ErrorResolution(context.Background(), acme, ErrorParams{ErrorType: "db_timeout", Message: "pool exhausted"})

	ev := f.last(t)
	assert.Equal(t, trigger.PriorityCritical, ev.Priority)
	assert.Equal(t, memory.CategoryError, ev.Category)
	assert.Contains(t, ev.Tags, "db_timeout")
	assert.Contains(t, ev.Tags, "failure")
}

func TestTagsAreDeduplicated(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	hc := acme
	hc.Tags = []string{"deploy", "Deploy", "hotfix", ""}
	h.WorkflowCompleted(context.Background(), hc, WorkflowParams{WorkflowType: "deploy", Success: true})

	ev := f.last(t)
	count := 0
	for _, tag := range ev.Tags {
		if tag == "deploy" || tag == "Deploy" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, ev.Tags, "hotfix")
	assert.NotContains(t, ev.Tags, "")
}

func TestFire_DecodesExtras(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)

	_, err := h.Fire(context.Background(), "agent_operation_complete", acme, map[string]any{
		"agent_type": "qa",
		"success":    "false",
		"duration":   3.5,
		"error":      "flaky",
		"ticket":     "OPS-1",
	})
	require.NoError(t, err)

	ev := f.last(t)
	assert.Equal(t, trigger.TypeAgentOperation, ev.Type)
	assert.Equal(t, "Agent 'qa' operation 'release' failed in 3.5s: flaky.", ev.Content)
	assert.Equal(t, "OPS-1", ev.Extra["ticket"])
	_, kept := ev.Extra["agent_type"]
	assert.False(t, kept, "decoded params are not duplicated into extras")
	assert.Subset(t, ev.Tags, []string{"qa", "release", "failure"})
}

func TestFire_ErrorSuffix(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	_, err := h.Fire(context.Background(), "build_error", acme, map[string]any{"error_type": "compile"})
	require.NoError(t, err)

	ev := f.last(t)
	assert.Equal(t, trigger.TypeErrorResolution, ev.Type)
	assert.Equal(t, trigger.PriorityCritical, ev.Priority)
	assert.Contains(t, ev.Tags, "build_error")
}

func TestFire_UnknownHook(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	_, err := h.Fire(context.Background(), "nap_time", acme, nil)
	assert.ErrorIs(t, err, ErrUnknownHook)
	assert.Empty(t, f.events)
}

func TestDisabledHooksShortCircuit(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	h.SetEnabled(false)

	res := h.IssueResolved(context.Background(), acme, IssueParams{IssueID: "ISS-1", Success: true})
	assert.Equal(t, trigger.SkipDisabled, res.SkipReason)
	assert.Empty(t, f.events)
	assert.Zero(t, h.Metrics().Executed)
}

func TestMissingProject(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	res := h.DecisionPoint(context.Background(), HookContext{}, DecisionParams{Decision: "ship"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrProjectRequired.Error(), res.Err)
	assert.Empty(t, f.events)
	assert.Equal(t, int64(1), h.Metrics().Failed)
}

func TestMetrics(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f, WithClock(stepClock()))
	ctx := context.Background()

	h.KnowledgeCapture(ctx, acme, KnowledgeParams{Topic: "retries"})
	h.KnowledgeCapture(ctx, acme, KnowledgeParams{Topic: "timeouts"})
	f.result = trigger.Result{SkipReason: trigger.SkipPolicyDenied}
	h.ProjectMilestone(ctx, acme, MilestoneParams{Milestone: "beta", Achieved: true})
	f.result = trigger.Result{Err: "all memory backends exhausted"}
	h.PatternDetected(ctx, acme, PatternParams{PatternType: "retry_storm", Occurrences: 4})

	m := h.Metrics()
	assert.Equal(t, int64(4), m.Executed)
	assert.Equal(t, int64(2), m.Succeeded)
	assert.Equal(t, int64(1), m.Skipped)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(2), m.ByHook[HookKnowledgeCapture])
	assert.Equal(t, time.Second, m.AverageLatency)
}

func TestTrack(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f, WithClock(stepClock()))
	ctx := context.Background()

	require.NoError(t, h.Track(ctx, acme, "qa", func(context.Context) error { return nil }))
	ev := f.last(t)
	assert.Equal(t, trigger.TypeAgentOperation, ev.Type)
	assert.Equal(t, "Agent 'qa' operation 'release' succeeded in 1.0s.", ev.Content)

	boom := errors.New("boom")
	err := h.Track(ctx, acme, "qa", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, f.last(t).Tags, "failure")

	assert.PanicsWithValue(t, "kaput", func() {
		_ = h.Track(ctx, acme, "qa", func(context.Context) error { panic("kaput") })
	})
	assert.Contains(t, f.last(t).Content, "panic: kaput")
	assert.Len(t, f.events, 3)
}

func TestBeginEnd_Once(t *testing.T) {
	f := &fakeTriggerer{}
	h := New(f)
	op := h.Begin(context.Background(), acme, "dev")
	first := op.End(nil)
	second := op.End(errors.New("late"))
	assert.Equal(t, first, second)
	assert.Len(t, f.events, 1)
}

func TestWebhookListener_Filter(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Notification
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := &fakeTriggerer{}
	listeners := ListenersFromConfig([]WebhookConfig{{URL: srv.URL, On: "failure"}, {On: "all"}})
	require.Len(t, listeners, 1)
	h := New(f, WithListener(listeners[0]))
	ctx := context.Background()

	h.IssueResolved(ctx, acme, IssueParams{IssueID: "ISS-1", Success: true})
	f.result = trigger.Result{Err: "exhausted"}
	h.IssueResolved(ctx, acme, IssueParams{IssueID: "ISS-2", Success: true})
	h.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, HookIssueResolved, got[0].Hook)
	assert.Equal(t, "exhausted", got[0].Error)
}

func TestListenerFailureDoesNotReachCaller(t *testing.T) {
	f := &fakeTriggerer{}
	var calls atomic.Int32
	h := New(f, WithListener(ListenerFunc(func(context.Context, Notification) error {
		calls.Add(1)
		return errors.New("listener down")
	})))
	res := h.KnowledgeCapture(context.Background(), acme, KnowledgeParams{Topic: "x"})
	h.Wait()
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
}

// A workflow completion ends up as a searchable memory and informs the next
// recall for the same operation.
func TestWorkflowToRecall_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc := memory.NewService(memory.ServiceConfig{}, []memory.Backend{inmem.New("")})
	require.NoError(t, svc.Initialize(ctx))
	orch := trigger.New(trigger.Config{Enabled: true}, svc, nil)
	h := New(orch)

	res := h.WorkflowCompleted(ctx, HookContext{Project: "acme", Source: "pm"}, WorkflowParams{
		WorkflowType: "deploy",
		Success:      true,
		Results:      map[string]any{"duration": 42},
	})
	require.True(t, res.Success)
	require.True(t, res.Queued)

	n, err := orch.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := svc.SearchMemories(ctx, "acme", memory.Query{Text: "deploy"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, memory.CategoryPattern, items[0].Category)
	assert.Subset(t, items[0].Tags, []string{"workflow_complete", "deploy", "success"})
	assert.Equal(t, res.EventID, items[0].MetaString(memory.MetaEventID))

	rec := recall.New(svc, recall.Config{}).RecallForOperation(ctx, "acme", "deploy", nil)
	require.True(t, rec.Success)
	require.False(t, rec.Degraded)
	require.Len(t, rec.Memories, 1)
	assert.Equal(t, items[0].ID, rec.Memories[0].Item.ID)
	require.NotEmpty(t, rec.Recommendations)
	assert.Contains(t, rec.Recommendations.Top(1)[0].Text, "deploy")
}
