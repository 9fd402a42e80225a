// Package trigger turns operational events into persisted memories. Events
// pass a policy check and are then either written immediately (critical
// priority) or queued for a background worker.
package trigger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dativo-io/pmframework/internal/memory"
)

// Type classifies an event.
type Type string

// Event types.
const (
	TypeWorkflowCompletion Type = "workflow_completion"
	TypeIssueResolution    Type = "issue_resolution"
	TypeAgentOperation     Type = "agent_operation"
	TypeErrorResolution    Type = "error_resolution"
	TypeProjectMilestone   Type = "project_milestone"
	TypeKnowledgeCapture   Type = "knowledge_capture"
	TypePatternDetection   Type = "pattern_detection"
	TypeDecisionPoint      Type = "decision_point"
)

// AllTypes lists every event type.
var AllTypes = []Type{
	TypeWorkflowCompletion,
	TypeIssueResolution,
	TypeAgentOperation,
	TypeErrorResolution,
	TypeProjectMilestone,
	TypeKnowledgeCapture,
	TypePatternDetection,
	TypeDecisionPoint,
}

// ParseType validates s as an event type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger type %q", s)
}

// Priority orders events. Critical events bypass the queue.
type Priority string

// Priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// AllPriorities lists priorities from highest to lowest.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns 4 for critical down to 1 for low, 0 when unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether p ranks at or above floor.
func (p Priority) AtLeast(floor Priority) bool {
	return p.Rank() >= floor.Rank()
}

// ParsePriority validates s as a priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() == 0 {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Event is something worth remembering. Treat it as immutable once passed to
// Orchestrator.Trigger.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Priority  Priority       `json:"priority"`
	Project   string         `json:"project"`
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Tags      []string       `json:"tags"`
	Details   Details        `json:"-"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewID returns a new, time-sortable event ID.
func NewID() string {
	return ulid.Make().String()
}

// Normalized returns a copy with ID, timestamp, priority and category filled
// in and tags deduplicated.
func (e Event) Normalized() Event {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Priority.Rank() == 0 {
		e.Priority = PriorityMedium
	}
	if e.Category == "" {
		e.Category = memory.CategoryProject
	}
	e.Tags = NormalizeTags(e.Tags)
	return e
}

// NormalizeTags trims, drops empties, deduplicates case-insensitively and sorts.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasTag reports whether the event carries tag (case-insensitive).
func (e Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Metadata flattens Details and Extra into a single map. Details fields win
// over Extra on key collisions.
func (e Event) Metadata() map[string]any {
	out := make(map[string]any, len(e.Extra)+8)
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.Details != nil {
		for k, v := range e.Details.Fields() {
			out[k] = v
		}
	}
	return out
}

// provenance returns the metadata stored with the memory.
func (e Event) provenance() map[string]any {
	md := e.Metadata()
	md[memory.MetaTriggerType] = string(e.Type)
	md[memory.MetaTriggerPriority] = string(e.Priority)
	md[memory.MetaEventID] = e.ID
	if e.Source != "" {
		md[memory.MetaSource] = e.Source
	}
	return md
}
