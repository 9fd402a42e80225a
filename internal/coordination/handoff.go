package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/pmframework/internal/hooks"
	"github.com/dativo-io/pmframework/internal/recall"
	"github.com/dativo-io/pmframework/internal/trigger"
)

// HandoffContext describes work passing from one agent to another.
type HandoffContext struct {
	ID        string         `json:"id,omitempty"`
	Project   string         `json:"project"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Task      string         `json:"task"`
	Notes     string         `json:"notes,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Handoff is a handoff enriched with recalled history.
type Handoff struct {
	HandoffContext
	Recall          recall.Result  `json:"recall"`
	Recommendations []string       `json:"recommendations"`
	Recorded        trigger.Result `json:"recorded"`
	At              time.Time      `json:"at"`
}

// maxHandoffRecommendations caps what is passed to the receiving agent.
const maxHandoffRecommendations = 3

// Handoff recalls context for the receiving agent and records the handoff
// as a decision point.
func (t *Tracker) Handoff(ctx context.Context, hc HandoffContext) (Handoff, error) {
	if hc.Project == "" || hc.ToAgent == "" || hc.Task == "" {
		return Handoff{}, fmt.Errorf("%w: project, to_agent and task are required", ErrInvalidHandoff)
	}
	if hc.ID == "" {
		hc.ID = "ho_" + ulid.Make().String()
	}

	out := Handoff{HandoffContext: hc, At: t.now()}
	out.Recall = t.recaller.RecallForHandoff(ctx, hc.Project, hc.ToAgent, hc.Task, hc.Context)
	out.Recommendations = out.Recall.Recommendations.Top(maxHandoffRecommendations).Texts()

	from := hc.FromAgent
	if from == "" {
		from = "unassigned"
	}
	out.Recorded = t.rec.DecisionPoint(ctx, hooks.HookContext{
		Project:   hc.Project,
		Source:    Source,
		Operation: hc.Task,
		EventID:   hc.ID,
		Tags:      []string{"handoff", from, hc.ToAgent},
		Metadata: map[string]any{
			"handoff_id":       hc.ID,
			"from_agent":       from,
			"to_agent":         hc.ToAgent,
			"recalled_matches": len(out.Recall.Memories),
		},
	}, hooks.DecisionParams{
		Decision:  fmt.Sprintf("hand off %s from %s to %s", hc.Task, from, hc.ToAgent),
		Rationale: hc.Notes,
	})

	log.Info().Str("handoff_id", hc.ID).Str("from", from).Str("to", hc.ToAgent).
		Int("recalled", len(out.Recall.Memories)).Bool("degraded", out.Recall.Degraded).Msg("handoff_recorded")
	return out, nil
}
