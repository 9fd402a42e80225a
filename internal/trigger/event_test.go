package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/memory"
)

func TestNormalized(t *testing.T) {
	ev := Event{Type: TypeIssueResolution, Tags: []string{" b", "a", "B", "", "a"}}.Normalized()
	assert.Len(t, ev.ID, 26, "ULID")
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, PriorityMedium, ev.Priority)
	assert.Equal(t, memory.CategoryProject, ev.Category)
	assert.Equal(t, []string{"a", "b"}, ev.Tags)

	kept := Event{ID: "fixed", Priority: PriorityLow}.Normalized()
	assert.Equal(t, "fixed", kept.ID)
	assert.Equal(t, PriorityLow, kept.Priority)
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestPriority(t *testing.T) {
	assert.True(t, PriorityCritical.AtLeast(PriorityHigh))
	assert.True(t, PriorityMedium.AtLeast(PriorityMedium))
	assert.False(t, PriorityLow.AtLeast(PriorityMedium))

	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParseTypeAndDecision(t *testing.T) {
	for _, tt := range AllTypes {
		got, err := ParseType(string(tt))
		require.NoError(t, err)
		assert.Equal(t, tt, got)
	}
	_, err := ParseType("coffee_break")
	assert.Error(t, err)

	d, err := ParseDecision("Modify")
	require.NoError(t, err)
	assert.Equal(t, DecisionModify, d)
	_, err = ParseDecision("maybe")
	assert.Error(t, err)
}

func TestDetailsTypes(t *testing.T) {
	details := map[Type]Details{
		TypeWorkflowCompletion: WorkflowDetails{},
		TypeAgentOperation:     AgentOperationDetails{},
		TypeIssueResolution:    IssueDetails{},
		TypeErrorResolution:    ErrorDetails{},
		TypeProjectMilestone:   MilestoneDetails{},
		TypeKnowledgeCapture:   KnowledgeDetails{},
		TypePatternDetection:   PatternDetails{},
		TypeDecisionPoint:      DecisionDetails{},
	}
	for want, d := range details {
		assert.Equal(t, want, d.TriggerType())
		assert.NotNil(t, d.Fields())
	}
}

func TestMetadata_DetailsWinOverExtra(t *testing.T) {
	ev := Event{
		Type:    TypeWorkflowCompletion,
		ID:      "evt",
		Source:  "ops",
		Details: WorkflowDetails{WorkflowType: "deploy", Success: true, Duration: 42 * time.Second},
		Extra:   map[string]any{memory.MetaSuccess: "overridden", "team": "platform"},
	}
	md := ev.Metadata()
	assert.Equal(t, true, md[memory.MetaSuccess])
	assert.Equal(t, "platform", md["team"])
	assert.InDelta(t, 42.0, md[memory.MetaDuration], 0.001)

	prov := ev.provenance()
	assert.Equal(t, "workflow_completion", prov[memory.MetaTriggerType])
	assert.Equal(t, "evt", prov[memory.MetaEventID])
	assert.Equal(t, "ops", prov[memory.MetaSource])
}

func TestOverridesApply(t *testing.T) {
	ev := Event{Priority: PriorityLow, Category: "project", Tags: []string{"a"}}
	got := Overrides{Tags: []string{"b", "a"}}.Apply(ev)
	assert.Equal(t, PriorityLow, got.Priority)
	assert.Equal(t, "project", got.Category)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, []string{"a"}, ev.Tags, "original untouched")
}
