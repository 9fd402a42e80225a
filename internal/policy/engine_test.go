package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/trigger"
)

func event(t trigger.Type, p trigger.Priority) trigger.Event {
	return trigger.Event{ID: trigger.NewID(), Type: t, Priority: p, Project: "acme", Content: "something happened"}.Normalized()
}

func singleConfig(cfg Config) map[trigger.Type]Config {
	return map[trigger.Type]Config{cfg.Type: cfg}
}

func baseConfig(t trigger.Type) Config {
	return Config{Type: t, Enabled: true, DefaultDecision: trigger.DecisionAllow}
}

func TestEvaluate_NoConfigAllows(t *testing.T) {
	e, err := NewEngine(WithConfigs(singleConfig(baseConfig(trigger.TypeDecisionPoint))))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh))
	assert.Equal(t, trigger.DecisionAllow, res.Decision)
	assert.Equal(t, "no policy configured", res.Reason)
}

func TestEvaluate_DisabledDenies(t *testing.T) {
	cfg := baseConfig(trigger.TypeWorkflowCompletion)
	cfg.Enabled = false
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), event(trigger.TypeWorkflowCompletion, trigger.PriorityCritical))
	assert.Equal(t, trigger.DecisionDeny, res.Decision)
	assert.Contains(t, res.Reason, "disabled")
}

func TestEvaluate_MinPriority(t *testing.T) {
	cfg := baseConfig(trigger.TypeKnowledgeCapture)
	cfg.MinPriority = trigger.PriorityMedium
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, trigger.DecisionDeny, e.Evaluate(ctx, event(trigger.TypeKnowledgeCapture, trigger.PriorityLow)).Decision)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeKnowledgeCapture, trigger.PriorityMedium)).Decision)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeKnowledgeCapture, trigger.PriorityCritical)).Decision)
}

func TestEvaluate_HigherPriorityRuleWinsRegardlessOfOrder(t *testing.T) {
	low := Rule{Name: "allow_all", Action: trigger.DecisionAllow, Priority: 1}
	high := Rule{Name: "deny_acme", Action: trigger.DecisionDeny, Priority: 10,
		When: []FieldMatch{{Field: FieldProject, Op: OpEquals, Value: "acme"}}}

	for name, rules := range map[string][]Rule{
		"low first":  {low, high},
		"high first": {high, low},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig(trigger.TypeIssueResolution)
			cfg.Rules = rules
			e, err := NewEngine(WithConfigs(singleConfig(cfg)))
			require.NoError(t, err)

			res := e.Evaluate(context.Background(), event(trigger.TypeIssueResolution, trigger.PriorityMedium))
			assert.Equal(t, trigger.DecisionDeny, res.Decision)
			assert.Equal(t, "deny_acme", res.Rule)
		})
	}
}

func TestEvaluate_TiesKeepRegistrationOrder(t *testing.T) {
	e, err := NewEngine(WithConfigs(singleConfig(baseConfig(trigger.TypeIssueResolution))))
	require.NoError(t, err)
	require.NoError(t, e.AddRule(trigger.TypeIssueResolution, Rule{Name: "first", Action: trigger.DecisionBatch, Priority: 5}))
	require.NoError(t, e.AddRule(trigger.TypeIssueResolution, Rule{Name: "second", Action: trigger.DecisionDeny, Priority: 5}))

	res := e.Evaluate(context.Background(), event(trigger.TypeIssueResolution, trigger.PriorityMedium))
	assert.Equal(t, "first", res.Rule)
	assert.Equal(t, trigger.DecisionBatch, res.Decision)
}

func TestEvaluate_ModifyReturnsOverrides(t *testing.T) {
	cfg := baseConfig(trigger.TypeAgentOperation)
	cfg.Rules = []Rule{{
		Name:      "escalate_failures",
		When:      []FieldMatch{{Field: FieldMetadata, Key: memory.MetaSuccess, Op: OpEquals, Value: "false"}},
		Action:    trigger.DecisionModify,
		Priority:  1,
		Overrides: &trigger.Overrides{Priority: trigger.PriorityHigh, Category: memory.CategoryError, Tags: []string{"review"}},
	}}
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)

	ev := event(trigger.TypeAgentOperation, trigger.PriorityMedium)
	ev.Details = trigger.AgentOperationDetails{AgentType: "qa", Operation: "test", Success: false}
	res := e.Evaluate(context.Background(), ev)
	require.Equal(t, trigger.DecisionModify, res.Decision)
	require.NotNil(t, res.Overrides)

	modified := res.Overrides.Apply(ev)
	assert.Equal(t, trigger.PriorityHigh, modified.Priority)
	assert.Equal(t, memory.CategoryError, modified.Category)
	assert.True(t, modified.HasTag("review"))

	ev.Details = trigger.AgentOperationDetails{AgentType: "qa", Operation: "test", Success: true}
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(context.Background(), ev).Decision)
}

func TestEvaluate_DefaultDecision(t *testing.T) {
	cfg := baseConfig(trigger.TypePatternDetection)
	cfg.DefaultDecision = trigger.DecisionBatch
	cfg.Rules = []Rule{{Name: "never", Action: trigger.DecisionDeny, When: []FieldMatch{{Field: FieldSource, Op: OpEquals, Value: "nobody"}}}}
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), event(trigger.TypePatternDetection, trigger.PriorityLow))
	assert.Equal(t, trigger.DecisionBatch, res.Decision)
	assert.Equal(t, "default decision", res.Reason)
}

func TestEvaluate_SlidingWindowDefers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	cfg := baseConfig(trigger.TypeWorkflowCompletion)
	cfg.RateLimit = RateLimit{MaxEvents: 2, Window: time.Minute}
	e, err := NewEngine(WithConfigs(singleConfig(cfg)), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh)).Decision)
	advance(10 * time.Second)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh)).Decision)
	res := e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh))
	assert.Equal(t, trigger.DecisionDefer, res.Decision)
	assert.Contains(t, res.Reason, "rate limit")

	// Another project has its own window.
	other := event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh)
	other.Project = "globex"
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, other).Decision)

	// Critical events are never rate limited.
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityCritical)).Decision)

	// The first event slides out of the window.
	advance(51 * time.Second)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh)).Decision)

	assert.Equal(t, int64(1), e.Stats().RateLimited)
}

func TestEvaluate_GlobalTokenBucket(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e, err := NewEngine(
		WithConfigs(singleConfig(baseConfig(trigger.TypeIssueResolution))),
		WithGlobalRate(1, 2),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeIssueResolution, trigger.PriorityLow)).Decision)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeIssueResolution, trigger.PriorityLow)).Decision)
	res := e.Evaluate(ctx, event(trigger.TypeIssueResolution, trigger.PriorityLow))
	assert.Equal(t, trigger.DecisionDefer, res.Decision)
	assert.Equal(t, "global rate limit exceeded", res.Reason)
	assert.Equal(t, int64(1), e.Stats().RateLimited)
}

func TestStats_RuleDeferIsNotRateLimited(t *testing.T) {
	cfg := baseConfig(trigger.TypeWorkflowCompletion)
	cfg.Rules = []Rule{{Name: "hold_low", Action: trigger.DecisionDefer,
		When: []FieldMatch{{Field: FieldPriority, Op: OpEquals, Value: "low"}}}}
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)

	res := e.Evaluate(context.Background(), event(trigger.TypeWorkflowCompletion, trigger.PriorityLow))
	require.Equal(t, trigger.DecisionDefer, res.Decision)
	require.Equal(t, "hold_low", res.Rule)

	stats := e.Stats()
	assert.Zero(t, stats.RateLimited)
	assert.Equal(t, int64(1), stats.ByDecision[string(trigger.DecisionDefer)])
}

func TestTimeoutFor(t *testing.T) {
	cfg := baseConfig(trigger.TypeKnowledgeCapture)
	cfg.Timeout = 2 * time.Second
	e, err := NewEngine(WithConfigs(singleConfig(cfg)))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, e.TimeoutFor(trigger.TypeKnowledgeCapture))
	assert.Zero(t, e.TimeoutFor(trigger.TypeWorkflowCompletion), "no config")

	d, err := NewEngine()
	require.NoError(t, err)
	assert.Zero(t, d.TimeoutFor(trigger.TypeErrorResolution), "defaults defer to the create timeout")
}

func TestDefaultConfigs(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	ctx := context.Background()

	for _, tt := range trigger.AllTypes {
		_, ok := e.Config(tt)
		assert.True(t, ok, "missing default config for %s", tt)
	}

	dry := event(trigger.TypeAgentOperation, trigger.PriorityMedium)
	dry.Tags = []string{"dry_run"}
	res := e.Evaluate(ctx, dry)
	assert.Equal(t, trigger.DecisionDeny, res.Decision)
	assert.Equal(t, "skip_dry_runs", res.Rule)

	assert.Equal(t, trigger.DecisionBatch, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityLow)).Decision)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeWorkflowCompletion, trigger.PriorityHigh)).Decision)
	assert.Equal(t, trigger.DecisionAllow, e.Evaluate(ctx, event(trigger.TypeErrorResolution, trigger.PriorityCritical)).Decision)
	assert.Equal(t, trigger.DecisionBatch, e.Evaluate(ctx, event(trigger.TypePatternDetection, trigger.PriorityMedium)).Decision)

	maxQueue, batch := e.QueueLimits(trigger.TypeErrorResolution)
	assert.Equal(t, 5000, maxQueue)
	assert.Equal(t, DefaultBatchSize, batch)

	stats := e.Stats()
	assert.Equal(t, int64(5), stats.Evaluations)
	assert.Equal(t, int64(1), stats.ByRule["skip_dry_runs"])
}

func TestUpdateConfigAndRules(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	bad := baseConfig(trigger.TypeIssueResolution)
	bad.DefaultDecision = "maybe"
	assert.ErrorIs(t, e.UpdateConfig(bad), ErrInvalidRule)

	cfg := baseConfig(trigger.TypeIssueResolution)
	cfg.Enabled = false
	require.NoError(t, e.UpdateConfig(cfg))
	got, _ := e.Config(trigger.TypeIssueResolution)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, e.AddRule(trigger.TypeIssueResolution, Rule{Name: "m", Action: trigger.DecisionModify}), ErrInvalidRule)
	require.NoError(t, e.AddRule(trigger.TypeIssueResolution, Rule{Name: "r", Action: trigger.DecisionDeny}))
	assert.ErrorIs(t, e.AddRule(trigger.TypeIssueResolution, Rule{Name: "r", Action: trigger.DecisionDeny}), ErrInvalidRule)
	assert.True(t, e.RemoveRule(trigger.TypeIssueResolution, "r"))
	assert.False(t, e.RemoveRule(trigger.TypeIssueResolution, "r"))
}

func TestEngine_ConcurrentEvaluate(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Evaluate(context.Background(), event(trigger.TypeAgentOperation, trigger.PriorityMedium))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), e.Stats().Evaluations)
}

func TestWindowLimiter_Prune(t *testing.T) {
	w := newWindowLimiter()
	now := time.Unix(1_700_000_000, 0)
	limit := RateLimit{MaxEvents: 5, Window: time.Minute}
	assert.True(t, w.allow("a", limit, now))
	assert.True(t, w.allow("b", limit, now.Add(50*time.Second)))
	assert.Equal(t, 1, w.count("a", time.Minute, now.Add(30*time.Second)))

	w.prune(now.Add(10 * time.Second))
	assert.Equal(t, 0, w.count("a", time.Hour, now))
	assert.Equal(t, 1, w.count("b", time.Hour, now.Add(time.Minute)))
}
