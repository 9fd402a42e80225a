// Package recall retrieves memories relevant to an upcoming operation, ranks
// them and turns recurring outcomes into recommendations. Recall is advisory:
// every failure degrades to an empty, successful result.
package recall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/pmframework/internal/memory"
	pmotel "github.com/dativo-io/pmframework/internal/otel"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/recall")

// Searcher finds memories. *memory.Service implements it.
type Searcher interface {
	SearchMemories(ctx context.Context, project string, q memory.Query) ([]memory.Item, error)
}

// Weights blend the three relevance signals into ScoredMemory.Score.
// Ranking orders by overlap first and uses the score only among items with
// equal overlap, so a more specific match always beats a merely recent one.
type Weights struct {
	Overlap float64 `mapstructure:"overlap"`
	Recency float64 `mapstructure:"recency"`
	Success float64 `mapstructure:"success"`
}

// DefaultWeights are used when Config.Weights is zero.
var DefaultWeights = Weights{Overlap: 0.6, Recency: 0.25, Success: 0.15}

// Config tunes recall.
type Config struct {
	Limit            int
	Timeout          time.Duration
	Weights          Weights
	SlowThreshold    time.Duration // average duration above this is slow_execution
	FailureThreshold float64       // success rate below this is frequent_failures
}

// Defaults.
const (
	DefaultLimit            = 20
	DefaultTimeout          = 5 * time.Second
	DefaultSlowThreshold    = 300 * time.Second
	DefaultFailureThreshold = 0.7
)

// salientKeys are the operation context keys folded into the search query.
var salientKeys = []string{
	"test_type",
	"deployment_type",
	"branch_name",
	"workflow_type",
	"agent_type",
	"error_type",
	"environment",
	"operation",
}

// ScoredMemory is a recalled item with its relevance breakdown.
type ScoredMemory struct {
	Item        memory.Item `json:"item"`
	Score       float64     `json:"score"`
	Overlap     float64     `json:"overlap"`
	Recency     float64     `json:"recency"`
	SuccessRate float64     `json:"success_rate"`
}

// Result is the outcome of a recall. Success is true even when degraded.
type Result struct {
	Success         bool            `json:"success"`
	Project         string          `json:"project"`
	Operation       string          `json:"operation"`
	Query           string          `json:"query"`
	Memories        []ScoredMemory  `json:"memories"`
	Patterns        []Pattern       `json:"patterns"`
	Recommendations Recommendations `json:"recommendations"`
	ProcessingTime  time.Duration   `json:"processing_time"`
	Err             string          `json:"error,omitempty"`
	Degraded        bool            `json:"degraded,omitempty"`
}

// Recaller runs the recall pipeline. Safe for concurrent use.
type Recaller struct {
	search Searcher
	cfg    Config
	now    func() time.Time
}

// Option configures a Recaller.
type Option func(*Recaller)

// WithClock overrides the clock used for recency.
func WithClock(now func() time.Time) Option {
	return func(r *Recaller) { r.now = now }
}

// New returns a Recaller over search. Zero config fields take defaults.
func New(search Searcher, cfg Config, opts ...Option) *Recaller {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	r := &Recaller{search: search, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildQuery joins the operation type with the salient context values.
func BuildQuery(operationType string, opContext map[string]any) string {
	parts := []string{operationType}
	for _, k := range salientKeys {
		v, ok := opContext[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// RecallForOperation returns ranked memories, patterns and recommendations
// for an operation about to run in project.
func (r *Recaller) RecallForOperation(ctx context.Context, project, operationType string, opContext map[string]any) Result {
	start := r.now()
	query := BuildQuery(operationType, opContext)

	ctx, span := tracer.Start(ctx, "recall.operation",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.String("operation", operationType),
		))
	defer span.End()

	res := Result{Success: true, Project: project, Operation: operationType, Query: query}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	items, err := r.search.SearchMemories(sctx, project, memory.Query{Text: query, Limit: r.cfg.Limit})
	cancel()
	if err != nil {
		res = r.degraded(res, err)
		res.ProcessingTime = r.now().Sub(start)
		span.SetAttributes(attribute.Bool("degraded", true))
		recallRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "degraded")))
		log.Warn().Err(err).Str("project", project).Str("operation", operationType).Msg("recall_degraded")
		return res
	}

	res.Memories = r.rank(query, opContext, items)
	res.Patterns = r.detect(items)
	res.Recommendations = recommend(operationType, res.Memories, res.Patterns)
	res.ProcessingTime = r.now().Sub(start)

	span.SetAttributes(
		attribute.Int("memories", len(res.Memories)),
		attribute.Int("patterns", len(res.Patterns)),
	)
	recallRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	log.Debug().Str("project", project).Str("operation", operationType).
		Int("memories", len(res.Memories)).Int("patterns", len(res.Patterns)).
		Dur("took", res.ProcessingTime).Msg("recall_completed")
	return res
}

// RecallForHandoff recalls context for an agent taking over task.
func (r *Recaller) RecallForHandoff(ctx context.Context, project, toAgent, task string, handoffContext map[string]any) Result {
	opCtx := make(map[string]any, len(handoffContext)+1)
	for k, v := range handoffContext {
		opCtx[k] = v
	}
	if toAgent != "" {
		opCtx["agent_type"] = toAgent
	}
	return r.RecallForOperation(ctx, project, task, opCtx)
}

func (r *Recaller) degraded(res Result, err error) Result {
	res.Degraded = true
	res.Err = err.Error()
	res.Memories = []ScoredMemory{}
	res.Patterns = nil
	res.Recommendations = Recommendations{{
		Text:     fmt.Sprintf("No historical data available for %s; proceed without recalled context.", orOperation(res.Operation)),
		Priority: PriorityLow,
		Pattern:  PatternNoHistory,
	}}
	return res
}

func (r *Recaller) rank(query string, opContext map[string]any, items []memory.Item) []ScoredMemory {
	queryTerms := memory.KeywordSet(query)
	for _, k := range salientKeys {
		if v, ok := opContext[k]; ok && v != nil {
			for t := range memory.KeywordSet(fmt.Sprint(v)) {
				queryTerms[t] = true
			}
		}
	}
	rates := successRates(items)
	now := r.now()

	out := make([]ScoredMemory, 0, len(items))
	for i := range items {
		it := items[i]
		sm := ScoredMemory{
			Item:        it,
			Overlap:     overlap(queryTerms, &it),
			Recency:     recency(now, it.CreatedAt),
			SuccessRate: rates.forItem(&it),
		}
		w := r.cfg.Weights
		sm.Score = sm.Overlap*w.Overlap + sm.Recency*w.Recency + sm.SuccessRate*w.Success
		out = append(out, sm)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Overlap != out[j].Overlap {
			return out[i].Overlap > out[j].Overlap
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.CreatedAt.After(out[j].Item.CreatedAt)
	})
	return out
}

// overlap is the share of query terms found in the item's tags or content.
func overlap(queryTerms map[string]bool, it *memory.Item) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := memory.KeywordSet(it.Content + " " + strings.Join(it.Tags, " "))
	hits := 0
	for t := range queryTerms {
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

func recency(now, created time.Time) float64 {
	ageDays := now.Sub(created).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays)
}

// similarityKey groups items that describe the same kind of operation.
func similarityKey(it *memory.Item) string {
	for _, k := range []string{"workflow_type", "agent_type", memory.MetaOperation, memory.MetaErrorType, memory.MetaTriggerType} {
		if v := it.MetaString(k); v != "" {
			return k + "=" + v
		}
	}
	return it.Category
}

type rateTable map[string][2]int // key -> {successes, samples}

func successRates(items []memory.Item) rateTable {
	t := make(rateTable)
	for i := range items {
		ok, present := items[i].MetaBool(memory.MetaSuccess)
		if !present {
			continue
		}
		key := similarityKey(&items[i])
		c := t[key]
		if ok {
			c[0]++
		}
		c[1]++
		t[key] = c
	}
	return t
}

// forItem returns the success rate of items similar to it, or 0.5 when no
// outcome was recorded.
func (t rateTable) forItem(it *memory.Item) float64 {
	c := t[similarityKey(it)]
	if c[1] == 0 {
		return 0.5
	}
	return float64(c[0]) / float64(c[1])
}

func orOperation(op string) string {
	if op == "" {
		return "this operation"
	}
	return op
}
