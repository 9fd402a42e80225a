package memory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item is a persisted memory.
type Item struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Backend names the store that returned the item. Not persisted.
	Backend string `json:"backend,omitempty"`
}

// Query selects items within a project.
type Query struct {
	Text     string   `json:"text"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"` // all must be present
	Limit    int      `json:"limit,omitempty"`
}

// DefaultSearchLimit caps a query that does not set Limit.
const DefaultSearchLimit = 50

// EffectiveLimit returns Limit, or DefaultSearchLimit when unset.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	return q.Limit
}

// Backend is a storage engine the Service can write to and search.
// Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Add(ctx context.Context, item *Item) (string, error)
	Search(ctx context.Context, project string, q Query) ([]Item, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that support retention.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Prepare fills in ID and timestamps on item. Backends call it before storing.
func Prepare(item *Item) {
	if item.ID == "" {
		item.ID = "mem_" + uuid.New().String()[:12]
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
}

// Matches reports whether item satisfies the query filters and, when the
// query has text, shares at least one search term with the item. Used by
// backends without a native full-text index.
func (q Query) Matches(item *Item) bool {
	if q.Category != "" && item.Category != q.Category {
		return false
	}
	if len(q.Tags) > 0 {
		have := make(map[string]bool, len(item.Tags))
		for _, t := range item.Tags {
			have[strings.ToLower(t)] = true
		}
		for _, t := range q.Tags {
			if !have[strings.ToLower(t)] {
				return false
			}
		}
	}
	terms := SearchTerms(q.Text)
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(item.Content + " " + item.Category + " " + strings.Join(item.Tags, " "))
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// MetaBool reads a boolean metadata value, tolerating the string and number
// encodings that come back from JSON round trips.
func (it *Item) MetaBool(key string) (value, ok bool) {
	v, present := it.Metadata[key]
	if !present {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	}
	return false, false
}

// MetaFloat reads a numeric metadata value.
func (it *Item) MetaFloat(key string) (float64, bool) {
	switch n := it.Metadata[key].(type) {
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

// MetaString reads a string metadata value.
func (it *Item) MetaString(key string) string {
	s, _ := it.Metadata[key].(string)
	return s
}
