// Package sqlitefts is a memory.Backend on SQLite with FTS5 full-text search.
// FTS5 is optional; when the driver build lacks it, search degrades to LIKE.
package sqlitefts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/dativo-io/pmframework/internal/memory"
	pmotel "github.com/dativo-io/pmframework/internal/otel"
)

var tracer = pmotel.Tracer("github.com/dativo-io/pmframework/internal/memory/sqlitefts")

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// BackendName is the name the store registers under.
const BackendName = "sqlite"

// timeLayout sorts lexically when every value is UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    content TEXT NOT NULL,
    category TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project, created_at);
CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(project, category);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content, category, tags,
    content=memories,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content, category, tags)
    VALUES (new.rowid, new.content, new.category, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, category, tags)
    VALUES ('delete', old.rowid, old.content, old.category, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, category, tags)
    VALUES ('delete', old.rowid, old.content, old.category, old.tags);
    INSERT INTO memories_fts(rowid, content, category, tags)
    VALUES (new.rowid, new.content, new.category, new.tags);
END;
`

// Store persists memories in a single SQLite file.
type Store struct {
	db      *sql.DB
	driver  string
	hasFTS5 bool
}

// Option configures Open.
type Option func(*Store)

// WithDriver selects the database/sql driver. Defaults to DriverPureGo.
func WithDriver(name string) Option {
	return func(s *Store) { s.driver = name }
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{driver: DriverPureGo}
	for _, opt := range opts {
		opt(s)
	}

	var dsn string
	switch s.driver {
	case DriverCGO:
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPureGo:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", s.driver)
	}

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	s.db = db
	s.hasFTS5 = true
	if _, err := db.ExecContext(context.Background(), ftsSchema); err != nil {
		s.hasFTS5 = false
	}
	return s, nil
}

// Name implements memory.Backend.
func (s *Store) Name() string { return BackendName }

// HasFTS reports whether full-text search is available.
func (s *Store) HasFTS() bool { return s.hasFTS5 }

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("sqlite health check: %w", err)
	}
	return nil
}

// Add stores item and returns its ID.
func (s *Store) Add(ctx context.Context, item *memory.Item) (string, error) {
	ctx, span := tracer.Start(ctx, "sqlitefts.add",
		trace.WithAttributes(
			attribute.String("project", item.Project),
			attribute.String("category", item.Category),
		))
	defer span.End()

	memory.Prepare(item)
	tagsJSON, err := json.Marshal(item.Tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	err = s.execWithRetry(ctx, `INSERT INTO memories (id, project, content, category, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Project, item.Content, item.Category, string(tagsJSON), string(metaJSON),
		item.CreatedAt.UTC().Format(timeLayout), item.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("writing memory: %w", err)
	}
	return item.ID, nil
}

// execWithRetry retries on SQLite busy/locked.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 10
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil || !isLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

func isLocked(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// Search returns project memories matching q, best match first when the text
// goes through FTS5 and newest first otherwise.
func (s *Store) Search(ctx context.Context, project string, q memory.Query) ([]memory.Item, error) {
	ctx, span := tracer.Start(ctx, "sqlitefts.search",
		trace.WithAttributes(
			attribute.String("project", project),
			attribute.String("query", q.Text),
			attribute.Bool("fts5", s.hasFTS5),
		))
	defer span.End()

	terms := memory.SearchTerms(q.Text)
	var (
		where []string
		args  []any
		from  = `memories m`
		order = `m.created_at DESC`
	)
	where = append(where, `m.project = ?`)
	args = append(args, project)

	if len(terms) > 0 {
		if s.hasFTS5 {
			quoted := make([]string, len(terms))
			for i, t := range terms {
				quoted[i] = `"` + t + `"`
			}
			from = `memories m JOIN memories_fts f ON m.rowid = f.rowid`
			where = append(where, `f.memories_fts MATCH ?`)
			args = append(args, strings.Join(quoted, " OR "))
			order = `rank, m.created_at DESC`
		} else {
			var ors []string
			for _, t := range terms {
				like := "%" + escapeLike(t) + "%"
				ors = append(ors, `(m.content LIKE ? ESCAPE '\' OR m.category LIKE ? ESCAPE '\' OR m.tags LIKE ? ESCAPE '\')`)
				args = append(args, like, like, like)
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		}
	}
	if q.Category != "" {
		where = append(where, `m.category = ?`)
		args = append(args, q.Category)
	}
	for _, tag := range q.Tags {
		// Tags are stored as a JSON array; match the encoded element.
		enc, err := json.Marshal(tag)
		if err != nil {
			return nil, fmt.Errorf("encoding tag filter: %w", err)
		}
		where = append(where, `m.tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(string(enc))+"%")
	}

	query := `SELECT m.id, m.project, m.content, m.category, m.tags, m.metadata, m.created_at, m.updated_at
		FROM ` + from + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ` + order + `
		LIMIT ?`
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	defer rows.Close()

	results := []memory.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern using ESCAPE '\'.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

// Get returns a memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*memory.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project, content, category, tags, metadata, created_at, updated_at
		FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("getting memory: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	item, err := scanItem(rows)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Count returns the number of memories in project, or all when project is "".
func (s *Store) Count(ctx context.Context, project string) (int64, error) {
	var n int64
	var err error
	if project == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE project = ?`, project).Scan(&n)
	}
	return n, err
}

// PurgeOlderThan deletes memories created before cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlitefts.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging memories: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("purged", n))
	return n, nil
}

func scanItem(rows *sql.Rows) (memory.Item, error) {
	var (
		it                 memory.Item
		tagsJSON, metaJSON string
		created, updated   string
	)
	if err := rows.Scan(&it.ID, &it.Project, &it.Content, &it.Category, &tagsJSON, &metaJSON, &created, &updated); err != nil {
		return it, fmt.Errorf("scanning memory: %w", err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &it.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &it.Metadata)
	if it.Tags == nil {
		it.Tags = []string{}
	}
	if it.Metadata == nil {
		it.Metadata = map[string]any{}
	}
	it.CreatedAt, _ = time.Parse(timeLayout, created)
	it.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return it, nil
}
