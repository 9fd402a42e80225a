package recall

import (
	"fmt"
	"sort"
	"time"

	"github.com/dativo-io/pmframework/internal/memory"
)

// Pattern names. Recurring errors are reported as PatternCommonErrorPrefix
// followed by the error type.
const (
	PatternFrequentFailures  = "frequent_failures"
	PatternSlowExecution     = "slow_execution"
	PatternCommonErrorPrefix = "common_error_"
	PatternProvenApproach    = "proven_approach"
	PatternNoHistory         = "no_history"
	PatternRelatedHistory    = "related_history"
)

// Pattern is an aggregate observation over the recalled candidates.
type Pattern struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Occurrences int     `json:"occurrences"`
	Samples     int     `json:"samples"`
	Value       float64 `json:"value"` // rate, average seconds or count, depending on Name
	Resolution  string  `json:"resolution,omitempty"`
}

func (r *Recaller) detect(items []memory.Item) []Pattern {
	var (
		patterns  []Pattern
		successes int
		samples   int
		durTotal  float64
		durCount  int
		errCounts = make(map[string]int)
		errFix    = make(map[string]string)
	)
	for i := range items {
		it := &items[i]
		if ok, present := it.MetaBool(memory.MetaSuccess); present {
			samples++
			if ok {
				successes++
			}
		}
		if d, ok := it.MetaFloat(memory.MetaDuration); ok && d > 0 {
			durTotal += d
			durCount++
		}
		if et := it.MetaString(memory.MetaErrorType); et != "" {
			errCounts[et]++
			if fix := it.MetaString("resolution"); fix != "" && errFix[et] == "" {
				errFix[et] = fix
			}
		}
	}

	if samples > 0 {
		rate := float64(successes) / float64(samples)
		switch {
		case samples >= 2 && rate < r.cfg.FailureThreshold:
			patterns = append(patterns, Pattern{
				Name:        PatternFrequentFailures,
				Description: fmt.Sprintf("%d of %d recorded runs failed", samples-successes, samples),
				Occurrences: samples - successes,
				Samples:     samples,
				Value:       rate,
			})
		case rate >= r.cfg.FailureThreshold:
			patterns = append(patterns, Pattern{
				Name:        PatternProvenApproach,
				Description: fmt.Sprintf("%d of %d recorded runs succeeded", successes, samples),
				Occurrences: successes,
				Samples:     samples,
				Value:       rate,
			})
		}
	}

	if durCount > 0 {
		avg := durTotal / float64(durCount)
		if avg > r.cfg.SlowThreshold.Seconds() {
			patterns = append(patterns, Pattern{
				Name:        PatternSlowExecution,
				Description: fmt.Sprintf("average duration %s over %d runs", time.Duration(avg*float64(time.Second)).Round(time.Second), durCount),
				Occurrences: durCount,
				Samples:     durCount,
				Value:       avg,
			})
		}
	}

	errTypes := make([]string, 0, len(errCounts))
	for et, n := range errCounts {
		if n >= 2 {
			errTypes = append(errTypes, et)
		}
	}
	sort.Slice(errTypes, func(i, j int) bool {
		if errCounts[errTypes[i]] != errCounts[errTypes[j]] {
			return errCounts[errTypes[i]] > errCounts[errTypes[j]]
		}
		return errTypes[i] < errTypes[j]
	})
	for _, et := range errTypes {
		patterns = append(patterns, Pattern{
			Name:        PatternCommonErrorPrefix + et,
			Description: fmt.Sprintf("error %q seen %d times", et, errCounts[et]),
			Occurrences: errCounts[et],
			Samples:     len(items),
			Value:       float64(errCounts[et]),
			Resolution:  errFix[et],
		})
	}
	return patterns
}
