package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/pmframework/internal/trigger"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in   string
		want FieldMatch
	}{
		{"type:workflow_completion", FieldMatch{Field: FieldType, Op: OpEquals, Value: "workflow_completion"}},
		{"priority:critical", FieldMatch{Field: FieldPriority, Op: OpEquals, Value: "critical"}},
		{"project:sandbox-*", FieldMatch{Field: FieldProject, Op: OpGlob, Value: "sandbox-*"}},
		{"content:timeout", FieldMatch{Field: FieldContent, Op: OpContains, Value: "timeout"}},
		{"tag:dry*", FieldMatch{Field: FieldTag, Op: OpGlob, Value: "dry*"}},
		{"metadata:env=prod", FieldMatch{Field: FieldMetadata, Op: OpEquals, Key: "env", Value: "prod"}},
		{" SOURCE : qa_agent ", FieldMatch{Field: FieldSource, Op: OpEquals, Value: "qa_agent"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCondition(tt.in)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestParseCondition_MatchAll(t *testing.T) {
	for _, in := range []string{"", "*", "  "} {
		got, err := ParseCondition(in)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestParseCondition_Errors(t *testing.T) {
	for _, in := range []string{"no-prefix", "colour:red", "metadata:env"} {
		_, err := ParseCondition(in)
		assert.ErrorIs(t, err, ErrInvalidRule, in)
	}
}

func TestFieldMatch_Match(t *testing.T) {
	ev := trigger.Event{
		Type:     trigger.TypeAgentOperation,
		Priority: trigger.PriorityMedium,
		Project:  "Acme-Web",
		Source:   "qa_agent",
		Content:  "Agent qa operation 'run_tests' FAILED after timeout",
		Tags:     []string{"qa", "dry_run"},
		Details:  trigger.AgentOperationDetails{AgentType: "qa", Operation: "run_tests"},
		Extra:    map[string]any{"env": "prod", "attempt": 3},
	}

	tests := []struct {
		name string
		m    FieldMatch
		want bool
	}{
		{"type equals", FieldMatch{Field: FieldType, Op: OpEquals, Value: "agent_operation"}, true},
		{"priority mismatch", FieldMatch{Field: FieldPriority, Op: OpEquals, Value: "high"}, false},
		{"project prefix ignores case", FieldMatch{Field: FieldProject, Op: OpPrefix, Value: "acme"}, true},
		{"content contains ignores case", FieldMatch{Field: FieldContent, Op: OpContains, Value: "failed"}, true},
		{"any tag glob", FieldMatch{Field: FieldTag, Op: OpGlob, Value: "dry*"}, true},
		{"no tag equals", FieldMatch{Field: FieldTag, Op: OpEquals, Value: "deploy"}, false},
		{"extra metadata", FieldMatch{Field: FieldMetadata, Key: "env", Op: OpEquals, Value: "prod"}, true},
		{"numeric metadata", FieldMatch{Field: FieldMetadata, Key: "attempt", Op: OpEquals, Value: "3"}, true},
		{"details metadata", FieldMatch{Field: FieldMetadata, Key: "agent_type", Op: OpEquals, Value: "qa"}, true},
		{"missing metadata", FieldMatch{Field: FieldMetadata, Key: "region", Op: OpGlob, Value: "*"}, false},
		{"source glob", FieldMatch{Field: FieldSource, Op: OpGlob, Value: "*_agent"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Match(ev))
		})
	}
}

func TestRule_AllConditionsMustMatch(t *testing.T) {
	r := Rule{Name: "r", Action: trigger.DecisionDeny, When: []FieldMatch{
		{Field: FieldProject, Op: OpEquals, Value: "acme"},
		{Field: FieldTag, Op: OpEquals, Value: "deploy"},
	}}
	assert.True(t, r.Matches(trigger.Event{Project: "acme", Tags: []string{"deploy"}}))
	assert.False(t, r.Matches(trigger.Event{Project: "acme"}))
	assert.True(t, Rule{Name: "all"}.Matches(trigger.Event{}))
}
