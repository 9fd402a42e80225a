package trigger

import (
	"time"

	"github.com/dativo-io/pmframework/internal/memory"
)

// Details is the typed metadata of an event. Each implementation belongs to
// exactly one event type.
type Details interface {
	TriggerType() Type
	// Fields flattens the details into memory metadata.
	Fields() map[string]any
}

// WorkflowDetails describes a completed workflow.
type WorkflowDetails struct {
	WorkflowType string
	Success      bool
	Duration     time.Duration
	Results      map[string]any
}

func (WorkflowDetails) TriggerType() Type { return TypeWorkflowCompletion }

func (d WorkflowDetails) Fields() map[string]any {
	f := map[string]any{
		"workflow_type":    d.WorkflowType,
		memory.MetaSuccess: d.Success,
	}
	if d.Duration > 0 {
		f[memory.MetaDuration] = d.Duration.Seconds()
	}
	if len(d.Results) > 0 {
		f["results"] = d.Results
	}
	return f
}

// AgentOperationDetails describes one agent operation.
type AgentOperationDetails struct {
	AgentType string
	Operation string
	Success   bool
	Duration  time.Duration
	Error     string
}

func (AgentOperationDetails) TriggerType() Type { return TypeAgentOperation }

func (d AgentOperationDetails) Fields() map[string]any {
	f := map[string]any{
		"agent_type":         d.AgentType,
		memory.MetaOperation: d.Operation,
		memory.MetaSuccess:   d.Success,
	}
	if d.Duration > 0 {
		f[memory.MetaDuration] = d.Duration.Seconds()
	}
	if d.Error != "" {
		f["error"] = d.Error
	}
	return f
}

// IssueDetails describes a resolved issue.
type IssueDetails struct {
	IssueID    string
	Resolution string
	Success    bool
}

func (IssueDetails) TriggerType() Type { return TypeIssueResolution }

func (d IssueDetails) Fields() map[string]any {
	return map[string]any{
		"issue_id":         d.IssueID,
		"resolution":       d.Resolution,
		memory.MetaSuccess: d.Success,
	}
}

// ErrorDetails describes an error and how it was handled.
type ErrorDetails struct {
	ErrorType  string
	Message    string
	Resolution string
	Resolved   bool
}

func (ErrorDetails) TriggerType() Type { return TypeErrorResolution }

func (d ErrorDetails) Fields() map[string]any {
	return map[string]any{
		memory.MetaErrorType: d.ErrorType,
		"error_message":      d.Message,
		"resolution":         d.Resolution,
		memory.MetaSuccess:   d.Resolved,
	}
}

// MilestoneDetails describes a project milestone.
type MilestoneDetails struct {
	Milestone   string
	Description string
	Achieved    bool
}

func (MilestoneDetails) TriggerType() Type { return TypeProjectMilestone }

func (d MilestoneDetails) Fields() map[string]any {
	return map[string]any{
		"milestone":        d.Milestone,
		"description":      d.Description,
		memory.MetaSuccess: d.Achieved,
	}
}

// KnowledgeDetails describes captured knowledge.
type KnowledgeDetails struct {
	Topic     string
	Reference string
}

func (KnowledgeDetails) TriggerType() Type { return TypeKnowledgeCapture }

func (d KnowledgeDetails) Fields() map[string]any {
	f := map[string]any{"topic": d.Topic}
	if d.Reference != "" {
		f["reference"] = d.Reference
	}
	return f
}

// PatternDetails describes a detected pattern.
type PatternDetails struct {
	PatternType string
	Occurrences int
	Confidence  float64
}

func (PatternDetails) TriggerType() Type { return TypePatternDetection }

func (d PatternDetails) Fields() map[string]any {
	return map[string]any{
		"pattern_type": d.PatternType,
		"occurrences":  d.Occurrences,
		"confidence":   d.Confidence,
	}
}

// DecisionDetails describes a decision and its alternatives.
type DecisionDetails struct {
	Decision     string
	Rationale    string
	Alternatives []string
}

func (DecisionDetails) TriggerType() Type { return TypeDecisionPoint }

func (d DecisionDetails) Fields() map[string]any {
	f := map[string]any{
		"decision":  d.Decision,
		"rationale": d.Rationale,
	}
	if len(d.Alternatives) > 0 {
		f["alternatives"] = d.Alternatives
	}
	return f
}
