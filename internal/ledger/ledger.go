// Package ledger is the dedup store: the durable record of which updates have
// already been delivered, keyed by (entity, kind, id).
//
// Drivers:
//   - "sqlite" (default): SQLite database file
//   - "file": zstd snapshot + JSON Lines journal
//   - "postgres": shared PostgreSQL database
//   - "memory": process-local, for tests and dry runs
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

// DefaultProcessedLimit caps Processed when the query leaves Limit unset.
const DefaultProcessedLimit = 100

var ErrClosed = errors.New("ledger closed")

// Op tells read failures (dedup is skipped) from write failures (commit lost).
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Error wraps every backend failure.
type Error struct {
	Op      Op
	Backend string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("ledger %s (%s): %v", e.Op, e.Backend, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IsRead reports whether err is a ledger read failure.
func IsRead(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Op == OpRead
}

// Record is what the ledger keeps for one delivered update.
type Record struct {
	Entity      string      `json:"entity"`
	Kind        update.Kind `json:"kind"`
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	Author      string      `json:"author,omitempty"`
	URL         string      `json:"url,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
	CommittedAt time.Time   `json:"committed_at"`
}

func (r Record) Key() update.Key { return update.Key{Entity: r.Entity, Kind: r.Kind, ID: r.ID} }

// NewRecord denormalizes the display fields of u under entity.
func NewRecord(entity string, u update.Update, committedAt time.Time) Record {
	return Record{
		Entity:      entity,
		Kind:        u.Kind,
		ID:          u.ID,
		Title:       u.Title,
		Author:      u.Author,
		URL:         u.URL,
		CreatedAt:   u.CreatedAt.UTC(),
		UpdatedAt:   u.UpdatedAt.UTC(),
		CommittedAt: committedAt.UTC(),
	}
}

// StatsQuery narrows Stats. Zero fields match everything; Since applies to
// created_at.
type StatsQuery struct {
	Entity string
	Kind   update.Kind
	Since  time.Time
}

type KindStats struct {
	Count int
	First time.Time
	Last  time.Time
}

type Stats struct {
	Total  int
	ByKind map[update.Kind]KindStats
}

// ProcessedQuery narrows Processed. Since applies to committed_at.
type ProcessedQuery struct {
	Entity string
	Kind   update.Kind
	Since  time.Time
	Limit  int
}

// Ledger is safe for concurrent use.
type Ledger interface {
	// FilterNew returns the updates whose key is not recorded yet, in input
	// order. It never writes.
	FilterNew(ctx context.Context, entity string, updates []update.Update) ([]update.Update, error)
	// Commit records updates; keys already present are left untouched.
	Commit(ctx context.Context, entity string, updates []update.Update) error
	Stats(ctx context.Context, q StatsQuery) (Stats, error)
	// Processed lists delivered records, most recently committed first.
	Processed(ctx context.Context, q ProcessedQuery) ([]Record, error)
	// Trim drops records committed before olderThan.
	Trim(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// backend is what each driver implements; errors are classified by guard.
type backend interface {
	seen(ctx context.Context, entity string, keys []update.Key) (map[update.Key]bool, error)
	insert(ctx context.Context, recs []Record) error
	stats(ctx context.Context, q StatsQuery) (Stats, error)
	processed(ctx context.Context, q ProcessedQuery) ([]Record, error)
	trim(ctx context.Context, olderThan time.Time) (int64, error)
	close() error
}

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
}

// Open initializes the configured ledger. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	log = log.With(logx.String("comp", "ledger"), logx.String("driver", driver))

	var (
		b   backend
		err error
	)
	switch driver {
	case "memory":
		b = newMemStore()
	case "file":
		b, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		b, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		b, err = openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("ledger opened")
	return &guard{b: b, name: driver, now: time.Now}, nil
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() Ledger { return &guard{b: newMemStore(), name: "memory", now: time.Now} }

type guard struct {
	b    backend
	name string
	now  func() time.Time
}

func (g *guard) fail(op Op, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Backend: g.name, Err: err}
}

func (g *guard) FilterNew(ctx context.Context, entity string, updates []update.Update) ([]update.Update, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, g.fail(OpRead, err)
	}
	keys := make([]update.Key, 0, len(updates))
	for _, u := range updates {
		keys = append(keys, keyOf(entity, u))
	}
	seen, err := g.b.seen(ctx, entity, keys)
	if err != nil {
		return nil, g.fail(OpRead, err)
	}
	out := make([]update.Update, 0, len(updates))
	batch := make(map[update.Key]bool, len(updates))
	for i, u := range updates {
		k := keys[i]
		if seen[k] || batch[k] {
			continue
		}
		batch[k] = true
		out = append(out, u)
	}
	return out, nil
}

func (g *guard) Commit(ctx context.Context, entity string, updates []update.Update) error {
	if len(updates) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return g.fail(OpWrite, err)
	}
	now := g.now()
	recs := make([]Record, 0, len(updates))
	for _, u := range updates {
		recs = append(recs, NewRecord(entity, u, now))
	}
	return g.fail(OpWrite, g.b.insert(ctx, recs))
}

func (g *guard) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, g.fail(OpRead, err)
	}
	st, err := g.b.stats(ctx, q)
	if err != nil {
		return Stats{}, g.fail(OpRead, err)
	}
	if st.ByKind == nil {
		st.ByKind = map[update.Kind]KindStats{}
	}
	return st, nil
}

func (g *guard) Processed(ctx context.Context, q ProcessedQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, g.fail(OpRead, err)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultProcessedLimit
	}
	recs, err := g.b.processed(ctx, q)
	return recs, g.fail(OpRead, err)
}

func (g *guard) Trim(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, g.fail(OpWrite, err)
	}
	n, err := g.b.trim(ctx, olderThan)
	return n, g.fail(OpWrite, err)
}

func (g *guard) Close() error { return g.b.close() }

func keyOf(entity string, u update.Update) update.Key {
	return update.Key{Entity: entity, Kind: u.Kind, ID: u.ID}
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
