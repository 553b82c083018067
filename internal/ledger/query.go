package ledger

import (
	"strings"
	"time"

	"reposentinel/internal/update"
)

// row is the SQL shape of a Record; times are unix milliseconds.
type row struct {
	Entity      string `db:"entity"`
	Kind        string `db:"kind"`
	ItemID      string `db:"item_id"`
	Title       string `db:"title"`
	Author      string `db:"author"`
	URL         string `db:"url"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	CommittedAt int64  `db:"committed_at"`
}

func (r row) record() Record {
	return Record{
		Entity:      r.Entity,
		Kind:        update.Kind(r.Kind),
		ID:          r.ItemID,
		Title:       r.Title,
		Author:      r.Author,
		URL:         r.URL,
		CreatedAt:   fromMS(r.CreatedAt),
		UpdatedAt:   fromMS(r.UpdatedAt),
		CommittedAt: fromMS(r.CommittedAt),
	}
}

type kindRow struct {
	Kind  string `db:"kind"`
	Count int    `db:"n"`
	First int64  `db:"first"`
	Last  int64  `db:"last"`
}

const (
	insertSQL = `INSERT INTO ledger (entity, kind, item_id, title, author, url, created_at, updated_at, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, kind, item_id) DO NOTHING`
	selectColumns = `entity, kind, item_id, title, author, url, created_at, updated_at, committed_at`
)

func insertArgs(r Record) []any {
	return []any{r.Entity, string(r.Kind), r.ID, r.Title, r.Author, r.URL,
		ms(r.CreatedAt), ms(r.UpdatedAt), ms(r.CommittedAt)}
}

// where builds a "?"-placeholder filter; timeCol is the column Since applies to.
func where(entity string, kind update.Kind, since time.Time, timeCol string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, entity)
	}
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(kind))
	}
	if !since.IsZero() {
		conds = append(conds, timeCol+" >= ?")
		args = append(args, since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func statsQuery(q StatsQuery) (string, []any) {
	w, args := where(q.Entity, q.Kind, q.Since, "created_at")
	return `SELECT kind, COUNT(*) AS n, MIN(created_at) AS first, MAX(created_at) AS last FROM ledger` +
		w + ` GROUP BY kind`, args
}

func processedQuery(q ProcessedQuery) (string, []any) {
	w, args := where(q.Entity, q.Kind, q.Since, "committed_at")
	args = append(args, q.Limit)
	return `SELECT ` + selectColumns + ` FROM ledger` + w +
		` ORDER BY committed_at DESC, created_at DESC, entity, kind, item_id LIMIT ?`, args
}

func statsFromRows(rows []kindRow) Stats {
	st := Stats{ByKind: make(map[update.Kind]KindStats, len(rows))}
	for _, r := range rows {
		st.ByKind[update.Kind(r.Kind)] = KindStats{Count: r.Count, First: fromMS(r.First), Last: fromMS(r.Last)}
		st.Total += r.Count
	}
	return st
}
