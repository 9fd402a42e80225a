package trigger

import (
	"context"
	"fmt"
	"strings"
)

// Decision is the policy outcome for an event.
type Decision string

// Decisions.
const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionModify Decision = "modify"
	DecisionDefer  Decision = "defer"
	DecisionBatch  Decision = "batch"
)

// ParseDecision validates s as a decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionAllow, DecisionDeny, DecisionModify, DecisionDefer, DecisionBatch:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Overrides are applied to an event under a MODIFY decision. Zero fields are
// left alone; Tags are added, not replaced.
type Overrides struct {
	Priority Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Apply returns e with the overrides applied.
func (o Overrides) Apply(e Event) Event {
	if o.Priority.Rank() > 0 {
		e.Priority = o.Priority
	}
	if o.Category != "" {
		e.Category = o.Category
	}
	if len(o.Tags) > 0 {
		e.Tags = NormalizeTags(append(append([]string(nil), e.Tags...), o.Tags...))
	}
	return e
}

// Evaluation is the result of a policy check.
type Evaluation struct {
	Decision  Decision
	Reason    string
	Rule      string // matching rule, if any
	Overrides *Overrides
}

// Evaluator decides what happens to an event.
type Evaluator interface {
	Evaluate(ctx context.Context, e Event) Evaluation
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, e Event) Evaluation

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, e Event) Evaluation { return f(ctx, e) }

// AllowAll is an Evaluator that allows every event.
var AllowAll = EvaluatorFunc(func(context.Context, Event) Evaluation {
	return Evaluation{Decision: DecisionAllow, Reason: "no policy configured"}
})
