package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &postgresStore{pool: pool, log: log}
	for _, q := range postgresSchema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return s, nil
}

// dollar rewrites the shared "?" queries into pgx placeholders.
func dollar(q string) string { return sqlx.Rebind(sqlx.DOLLAR, q) }

func (s *postgresStore) seen(ctx context.Context, entity string, keys []update.Key) (map[update.Key]bool, error) {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT kind, item_id FROM ledger WHERE entity = $1 AND item_id = ANY($2)`, entity, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[update.Key]bool, len(keys))
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out[update.Key{Entity: entity, Kind: update.Kind(kind), ID: id}] = true
	}
	return out, rows.Err()
}

func (s *postgresStore) insert(ctx context.Context, recs []Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := dollar(insertSQL)
	for _, r := range recs {
		if _, err := tx.Exec(ctx, q, insertArgs(r)...); err != nil {
			return fmt.Errorf("inserting %s: %w", r.Key(), err)
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) stats(ctx context.Context, q StatsQuery) (Stats, error) {
	query, args := statsQuery(q)
	rows, err := s.pool.Query(ctx, dollar(query), args...)
	if err != nil {
		return Stats{}, err
	}
	krs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (kindRow, error) {
		var kr kindRow
		err := r.Scan(&kr.Kind, &kr.Count, &kr.First, &kr.Last)
		return kr, err
	})
	if err != nil {
		return Stats{}, err
	}
	return statsFromRows(krs), nil
}

func (s *postgresStore) processed(ctx context.Context, q ProcessedQuery) ([]Record, error) {
	query, args := processedQuery(q)
	rows, err := s.pool.Query(ctx, dollar(query), args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (Record, error) {
		var rw row
		err := r.Scan(&rw.Entity, &rw.Kind, &rw.ItemID, &rw.Title, &rw.Author, &rw.URL,
			&rw.CreatedAt, &rw.UpdatedAt, &rw.CommittedAt)
		return rw.record(), err
	})
}

func (s *postgresStore) trim(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ledger WHERE committed_at < $1`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) close() error {
	s.pool.Close()
	return nil
}
