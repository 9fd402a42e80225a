// Package redisstore is a memory.Backend on Redis. Each project is a hash of
// JSON-encoded items plus a sorted set indexing them by creation time.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/pmframework/internal/memory"
	pmotel "github.com/dativo-io/pmframework/internal/otel"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/memory/redisstore")

// BackendName is the name the store registers under.
const BackendName = "redis"

// scanWindow bounds how many recent items a search decodes per project.
const scanWindow = 2000

// Store talks to a single Redis server.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures New.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "pmf").
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// New connects lazily to addr.
func New(addr string, opts ...Option) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts...)
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "pmf"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) itemsKey(project string) string { return s.prefix + ":mem:" + project }
func (s *Store) indexKey(project string) string { return s.prefix + ":mem:" + project + ":idx" }
func (s *Store) projectsKey() string            { return s.prefix + ":projects" }

// Name implements memory.Backend.
func (s *Store) Name() string { return BackendName }

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Add implements memory.Backend.
func (s *Store) Add(ctx context.Context, item *memory.Item) (string, error) {
	ctx, span := tracer.Start(ctx, "redisstore.add",
		trace.WithAttributes(attribute.String("project", item.Project)))
	defer span.End()

	memory.Prepare(item)
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encoding memory: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.itemsKey(item.Project), item.ID, payload)
		p.ZAdd(ctx, s.indexKey(item.Project), redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID})
		p.SAdd(ctx, s.projectsKey(), item.Project)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("writing memory: %w", err)
	}
	return item.ID, nil
}

// Search decodes the most recent items of project and filters them in process.
func (s *Store) Search(ctx context.Context, project string, q memory.Query) ([]memory.Item, error) {
	ctx, span := tracer.Start(ctx, "redisstore.search",
		trace.WithAttributes(attribute.String("project", project), attribute.String("query", q.Text)))
	defer span.End()

	ids, err := s.client.ZRevRange(ctx, s.indexKey(project), 0, scanWindow-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	results := []memory.Item{}
	if len(ids) == 0 {
		return results, nil
	}
	raw, err := s.client.HMGet(ctx, s.itemsKey(project), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading memories: %w", err)
	}

	limit := q.EffectiveLimit()
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var it memory.Item
		if err := json.Unmarshal([]byte(str), &it); err != nil {
			continue
		}
		if !q.Matches(&it) {
			continue
		}
		results = append(results, it)
		if len(results) >= limit {
			break
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// PurgeOlderThan implements memory.Purger.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	projects, err := s.client.SMembers(ctx, s.projectsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("listing projects: %w", err)
	}
	upper := strconv.FormatInt(cutoff.UnixNano()-1, 10)
	var purged int64
	for _, project := range projects {
		ids, err := s.client.ZRangeByScore(ctx, s.indexKey(project), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return purged, fmt.Errorf("reading index for %s: %w", project, err)
		}
		if len(ids) == 0 {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, s.itemsKey(project), ids...)
			p.ZRemRangeByScore(ctx, s.indexKey(project), "-inf", upper)
			return nil
		})
		if err != nil {
			return purged, fmt.Errorf("purging %s: %w", project, err)
		}
		purged += int64(len(ids))
	}
	return purged, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
