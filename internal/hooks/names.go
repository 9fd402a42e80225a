package hooks

import (
	"strings"

	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// Hook names accepted by Fire.
const (
	HookWorkflowComplete       = "workflow_complete"
	HookAgentOperationComplete = "agent_operation_complete"
	HookIssueResolved          = "issue_resolved"
	HookErrorResolution        = "error_resolution"
	HookKnowledgeCapture       = "knowledge_capture"
	HookDecisionPoint          = "decision_point"
	HookProjectMilestone       = "project_milestone"
	HookPatternDetected        = "pattern_detected"
)

var hookTypes = map[string]trigger.Type{
	HookWorkflowComplete:       trigger.TypeWorkflowCompletion,
	HookAgentOperationComplete: trigger.TypeAgentOperation,
	HookIssueResolved:          trigger.TypeIssueResolution,
	HookErrorResolution:        trigger.TypeErrorResolution,
	HookKnowledgeCapture:       trigger.TypeKnowledgeCapture,
	HookDecisionPoint:          trigger.TypeDecisionPoint,
	HookProjectMilestone:       trigger.TypeProjectMilestone,
	HookPatternDetected:        trigger.TypePatternDetection,
}

// TypeFor maps a hook name to its trigger type. Any name ending in "_error"
// is an error resolution.
func TypeFor(hookName string) (trigger.Type, bool) {
	name := strings.ToLower(strings.TrimSpace(hookName))
	if t, ok := hookTypes[name]; ok {
		return t, true
	}
	if strings.HasSuffix(name, "_error") {
		return trigger.TypeErrorResolution, true
	}
	return "", false
}

// Names returns the fixed hook names.
func Names() []string {
	out := make([]string, 0, len(hookTypes))
	for name := range hookTypes {
		out = append(out, name)
	}
	return out
}

// PriorityFor returns the priority an event of type t is created with.
func PriorityFor(t trigger.Type) trigger.Priority {
	switch t {
	case trigger.TypeErrorResolution:
		return trigger.PriorityCritical
	case trigger.TypeWorkflowCompletion:
		return trigger.PriorityHigh
	default:
		return trigger.PriorityMedium
	}
}

// CategoryFor returns the memory category for events of type t.
func CategoryFor(t trigger.Type) string {
	switch t {
	case trigger.TypeErrorResolution:
		return memory.CategoryError
	case trigger.TypeWorkflowCompletion, trigger.TypeAgentOperation, trigger.TypePatternDetection:
		return memory.CategoryPattern
	case trigger.TypeKnowledgeCapture:
		return memory.CategoryTeam
	default:
		return memory.CategoryProject
	}
}
