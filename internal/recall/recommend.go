package recall

import (
	"fmt"
	"sort"
	"strings"
)

// Recommendation priorities, highest first.
const (
	PriorityHigh   = 3
	PriorityMedium = 2
	PriorityLow    = 1
)

// Recommendation is a suggestion derived from a pattern.
type Recommendation struct {
	Text     string `json:"text"`
	Priority int    `json:"priority"`
	Pattern  string `json:"pattern"`
}

// Recommendations are ordered by priority, highest first.
type Recommendations []Recommendation

// Top returns at most n recommendations.
func (rs Recommendations) Top(n int) Recommendations {
	if n < 0 || n >= len(rs) {
		return rs
	}
	return rs[:n]
}

// Texts returns the recommendation texts in order.
func (rs Recommendations) Texts() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text
	}
	return out
}

func recommend(op string, memories []ScoredMemory, patterns []Pattern) Recommendations {
	name := orOperation(op)
	if len(memories) == 0 {
		return Recommendations{{
			Text:     fmt.Sprintf("No historical data for %s yet; record the outcome so future runs can learn from it.", name),
			Priority: PriorityLow,
			Pattern:  PatternNoHistory,
		}}
	}

	var out Recommendations
	for _, p := range patterns {
		switch {
		case p.Name == PatternFrequentFailures:
			out = append(out, Recommendation{
				Text:     fmt.Sprintf("Review the approach for %s: only %.0f%% of %d recorded runs succeeded.", name, p.Value*100, p.Samples),
				Priority: PriorityHigh,
				Pattern:  p.Name,
			})
		case strings.HasPrefix(p.Name, PatternCommonErrorPrefix):
			errType := strings.TrimPrefix(p.Name, PatternCommonErrorPrefix)
			text := fmt.Sprintf("Guard against recurring %q errors in %s (seen %d times).", errType, name, p.Occurrences)
			if p.Resolution != "" {
				text += " Previous fix: " + p.Resolution + "."
			}
			out = append(out, Recommendation{Text: text, Priority: PriorityHigh, Pattern: p.Name})
		case p.Name == PatternSlowExecution:
			out = append(out, Recommendation{
				Text:     fmt.Sprintf("Consider optimizing %s: %s.", name, p.Description),
				Priority: PriorityMedium,
				Pattern:  p.Name,
			})
		case p.Name == PatternProvenApproach:
			out = append(out, Recommendation{
				Text:     fmt.Sprintf("Reuse the proven approach for %s: %s.", name, p.Description),
				Priority: PriorityMedium,
				Pattern:  p.Name,
			})
		}
	}
	if len(out) == 0 {
		out = append(out, Recommendation{
			Text:     fmt.Sprintf("Review %d related memories before running %s.", len(memories), name),
			Priority: PriorityLow,
			Pattern:  PatternRelatedHistory,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
