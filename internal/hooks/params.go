package hooks

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dativo-io/pmframework/internal/trigger"
)

// WorkflowParams describes a finished workflow. When Duration is zero a
// numeric "duration" entry in Results (seconds) is used instead.
type WorkflowParams struct {
	WorkflowType string
	Success      bool
	Duration     time.Duration
	Results      map[string]any
}

// AgentOperationParams describes one agent operation. Operation defaults to
// HookContext.Operation.
type AgentOperationParams struct {
	AgentType string
	Operation string
	Success   bool
	Duration  time.Duration
	Error     string
}

// IssueParams describes a resolved issue.
type IssueParams struct {
	IssueID    string
	Resolution string
	Success    bool
}

// ErrorParams describes an error and its resolution, if any.
type ErrorParams struct {
	ErrorType  string
	Message    string
	Resolution string
	Resolved   bool
}

// KnowledgeParams is a piece of knowledge to keep.
type KnowledgeParams struct {
	Topic     string
	Content   string
	Reference string
}

// DecisionParams records a decision.
type DecisionParams struct {
	Decision     string
	Rationale    string
	Alternatives []string
}

// MilestoneParams records a project milestone.
type MilestoneParams struct {
	Milestone   string
	Description string
	Achieved    bool
}

// PatternParams records a detected pattern.
type PatternParams struct {
	PatternType string
	Description string
	Occurrences int
	Confidence  float64
}

func outcomeTag(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (p WorkflowParams) duration() time.Duration {
	if p.Duration > 0 {
		return p.Duration
	}
	if secs, ok := toFloat(p.Results["duration"]); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func (p WorkflowParams) content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow '%s' ", orUnknown(p.WorkflowType))
	if p.Success {
		b.WriteString("completed successfully")
	} else {
		b.WriteString("failed")
	}
	if d := p.duration(); d > 0 {
		fmt.Fprintf(&b, " in %.1fs", d.Seconds())
	}
	b.WriteString(".")
	if len(p.Results) > 0 {
		b.WriteString(" Results: ")
		b.WriteString(summarize(p.Results))
	}
	return b.String()
}

func (p AgentOperationParams) content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent '%s' operation '%s' ", orUnknown(p.AgentType), orUnknown(p.Operation))
	if p.Success {
		b.WriteString("succeeded")
	} else {
		b.WriteString("failed")
	}
	if p.Duration > 0 {
		fmt.Fprintf(&b, " in %.1fs", p.Duration.Seconds())
	}
	if p.Error != "" {
		b.WriteString(": ")
		b.WriteString(p.Error)
	}
	b.WriteString(".")
	return b.String()
}

func (p IssueParams) content() string {
	verb := "resolved"
	if !p.Success {
		verb = "resolution failed"
	}
	s := fmt.Sprintf("Issue %s %s", orUnknown(p.IssueID), verb)
	if p.Resolution != "" {
		s += ": " + p.Resolution
	}
	return s + "."
}

func (p ErrorParams) content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error '%s' ", orUnknown(p.ErrorType))
	if p.Resolved {
		b.WriteString("resolved")
	} else {
		b.WriteString("occurred")
	}
	if p.Message != "" {
		b.WriteString(": ")
		b.WriteString(p.Message)
	}
	b.WriteString(".")
	if p.Resolution != "" {
		fmt.Fprintf(&b, " Resolution: %s.", p.Resolution)
	}
	return b.String()
}

func (p KnowledgeParams) content() string {
	s := fmt.Sprintf("Knowledge captured on '%s'", orUnknown(p.Topic))
	if p.Content != "" {
		s += ": " + p.Content
	}
	if p.Reference != "" {
		s += " (see " + p.Reference + ")"
	}
	return s + "."
}

func (p DecisionParams) content() string {
	s := fmt.Sprintf("Decision: %s.", orUnknown(p.Decision))
	if p.Rationale != "" {
		s += " Rationale: " + p.Rationale + "."
	}
	if len(p.Alternatives) > 0 {
		s += " Alternatives considered: " + strings.Join(p.Alternatives, ", ") + "."
	}
	return s
}

func (p MilestoneParams) content() string {
	verb := "achieved"
	if !p.Achieved {
		verb = "missed"
	}
	s := fmt.Sprintf("Milestone '%s' %s", orUnknown(p.Milestone), verb)
	if p.Description != "" {
		s += ": " + p.Description
	}
	return s + "."
}

func (p PatternParams) content() string {
	s := fmt.Sprintf("Pattern '%s' detected", orUnknown(p.PatternType))
	if p.Occurrences > 0 {
		s += fmt.Sprintf(" %d times", p.Occurrences)
	}
	if p.Confidence > 0 {
		s += fmt.Sprintf(" (confidence %.2f)", p.Confidence)
	}
	if p.Description != "" {
		s += ": " + p.Description
	}
	return s + "."
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// summarize renders a map as "k=v" pairs in key order.
func summarize(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

// Extra-map decoding for Fire. Unknown keys are kept as event extras.

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolean(m map[string]any, key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func seconds(m map[string]any, key string) time.Duration {
	if f, ok := toFloat(m[key]); ok && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return 0
}

func stringList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

func object(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

// consumed lists the extra keys each hook type decodes into typed params.
var consumed = map[trigger.Type][]string{
	trigger.TypeWorkflowCompletion: {"workflow_type", "success", "duration", "results"},
	trigger.TypeAgentOperation:     {"agent_type", "operation", "success", "duration", "error"},
	trigger.TypeIssueResolution:    {"issue_id", "resolution", "success"},
	trigger.TypeErrorResolution:    {"error_type", "message", "resolution", "resolved"},
	trigger.TypeKnowledgeCapture:   {"topic", "content", "reference"},
	trigger.TypeDecisionPoint:      {"decision", "rationale", "alternatives"},
	trigger.TypeProjectMilestone:   {"milestone", "description", "achieved"},
	trigger.TypePatternDetection:   {"pattern_type", "description", "occurrences", "confidence"},
}

func leftovers(t trigger.Type, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	skip := make(map[string]bool)
	for _, k := range consumed[t] {
		skip[k] = true
	}
	out := make(map[string]any)
	for k, v := range extra {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}
