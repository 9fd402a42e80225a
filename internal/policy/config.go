package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/dativo-io/pmframework/internal/memory"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// Rule is a named condition set with an action. All conditions must match;
// a rule with no conditions matches every event.
type Rule struct {
	Name      string             `yaml:"name" json:"name"`
	When      []FieldMatch       `yaml:"when,omitempty" json:"when,omitempty"`
	Action    trigger.Decision   `yaml:"action" json:"action"`
	Priority  int                `yaml:"priority" json:"priority"`
	Overrides *trigger.Overrides `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// Validate checks the rule's action and conditions.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule needs a name", ErrInvalidRule)
	}
	if _, err := trigger.ParseDecision(string(r.Action)); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.Name, err)
	}
	if r.Action == trigger.DecisionModify && r.Overrides == nil {
		return fmt.Errorf("%w: rule %s: modify needs overrides", ErrInvalidRule, r.Name)
	}
	for _, m := range r.When {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return nil
}

// Matches reports whether every condition matches e.
func (r Rule) Matches(e trigger.Event) bool {
	for _, m := range r.When {
		if !m.Match(e) {
			return false
		}
	}
	return true
}

// RateLimit allows MaxEvents per Window per (project, type). Zero disables it.
type RateLimit struct {
	MaxEvents int           `json:"max_events"`
	Window    time.Duration `json:"window"`
}

// Enabled reports whether the limit is active.
func (r RateLimit) Enabled() bool { return r.MaxEvents > 0 && r.Window > 0 }

// Config is the policy for one event type.
type Config struct {
	Type            trigger.Type     `json:"type"`
	Enabled         bool             `json:"enabled"`
	DefaultDecision trigger.Decision `json:"default_decision"`
	Rules           []Rule           `json:"rules"`
	MinPriority     trigger.Priority `json:"min_priority"`
	MaxQueueSize    int              `json:"max_queue_size"`
	BatchSize       int              `json:"batch_size"`
	Timeout         time.Duration    `json:"timeout"` // per write; zero uses the global create timeout
	RateLimit       RateLimit        `json:"rate_limit"`
}

// Validate checks the config and every rule.
func (c Config) Validate() error {
	if _, err := trigger.ParseType(string(c.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if _, err := trigger.ParseDecision(string(c.DefaultDecision)); err != nil {
		return fmt.Errorf("%w: %s default decision: %v", ErrInvalidRule, c.Type, err)
	}
	if c.DefaultDecision == trigger.DecisionModify {
		return fmt.Errorf("%w: %s default decision cannot be modify", ErrInvalidRule, c.Type)
	}
	if c.MinPriority != "" && c.MinPriority.Rank() == 0 {
		return fmt.Errorf("%w: %s min priority %q", ErrInvalidRule, c.Type, c.MinPriority)
	}
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// clone deep-copies the rule slice and sorts it by priority, highest first.
// Ties keep registration order.
func (c Config) clone() Config {
	c.Rules = append([]Rule(nil), c.Rules...)
	sort.SliceStable(c.Rules, func(i, j int) bool { return c.Rules[i].Priority > c.Rules[j].Priority })
	return c
}

// Default queue and batch settings.
const (
	DefaultMaxQueueSize = 1000
	DefaultBatchSize    = 10
)

// DefaultConfigs returns the built-in policy for every event type.
func DefaultConfigs() map[trigger.Type]Config {
	base := func(t trigger.Type) Config {
		return Config{
			Type:            t,
			Enabled:         true,
			DefaultDecision: trigger.DecisionAllow,
			MinPriority:     trigger.PriorityLow,
			MaxQueueSize:    DefaultMaxQueueSize,
			BatchSize:       DefaultBatchSize,
		}
	}
	out := make(map[trigger.Type]Config, len(trigger.AllTypes))
	for _, t := range trigger.AllTypes {
		out[t] = base(t)
	}

	wf := out[trigger.TypeWorkflowCompletion]
	wf.RateLimit = RateLimit{MaxEvents: 120, Window: time.Minute}
	wf.Rules = []Rule{{
		Name:     "batch_low_priority_workflows",
		When:     []FieldMatch{{Field: FieldPriority, Op: OpEquals, Value: string(trigger.PriorityLow)}},
		Action:   trigger.DecisionBatch,
		Priority: 10,
	}}
	out[trigger.TypeWorkflowCompletion] = wf

	ag := out[trigger.TypeAgentOperation]
	ag.RateLimit = RateLimit{MaxEvents: 300, Window: time.Minute}
	ag.Rules = []Rule{
		{
			Name:     "skip_dry_runs",
			When:     []FieldMatch{{Field: FieldTag, Op: OpGlob, Value: "dry*run"}},
			Action:   trigger.DecisionDeny,
			Priority: 100,
		},
		{
			Name:      "failed_operations_are_errors",
			When:      []FieldMatch{{Field: FieldMetadata, Key: memory.MetaSuccess, Op: OpEquals, Value: "false"}},
			Action:    trigger.DecisionModify,
			Priority:  50,
			Overrides: &trigger.Overrides{Priority: trigger.PriorityHigh, Tags: []string{"needs_review"}},
		},
	}
	out[trigger.TypeAgentOperation] = ag

	errs := out[trigger.TypeErrorResolution]
	errs.MaxQueueSize = 5000
	out[trigger.TypeErrorResolution] = errs

	pat := out[trigger.TypePatternDetection]
	pat.DefaultDecision = trigger.DecisionBatch
	pat.RateLimit = RateLimit{MaxEvents: 60, Window: time.Minute}
	out[trigger.TypePatternDetection] = pat

	kn := out[trigger.TypeKnowledgeCapture]
	kn.MaxQueueSize = 500
	out[trigger.TypeKnowledgeCapture] = kn

	return out
}
