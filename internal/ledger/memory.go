package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"reposentinel/internal/update"
)

// memStore is the map-backed driver. The file driver persists one.
type memStore struct {
	mu   sync.RWMutex
	recs map[update.Key]Record
}

func newMemStore() *memStore { return &memStore{recs: map[update.Key]Record{}} }

func (m *memStore) seen(_ context.Context, _ string, keys []update.Key) (map[update.Key]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[update.Key]bool, len(keys))
	for _, k := range keys {
		if _, ok := m.recs[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (m *memStore) insert(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(recs)
	return nil
}

// putLocked inserts absent keys and returns the ones actually added.
func (m *memStore) putLocked(recs []Record) []Record {
	var added []Record
	for _, r := range recs {
		k := r.Key()
		if _, ok := m.recs[k]; ok {
			continue
		}
		m.recs[k] = r
		added = append(added, r)
	}
	return added
}

func (m *memStore) stats(_ context.Context, q StatsQuery) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{ByKind: map[update.Kind]KindStats{}}
	for _, r := range m.recs {
		if q.Entity != "" && r.Entity != q.Entity {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		ks := st.ByKind[r.Kind]
		if ks.Count == 0 || r.CreatedAt.Before(ks.First) {
			ks.First = r.CreatedAt
		}
		if ks.Count == 0 || r.CreatedAt.After(ks.Last) {
			ks.Last = r.CreatedAt
		}
		ks.Count++
		st.ByKind[r.Kind] = ks
		st.Total++
	}
	return st, nil
}

func (m *memStore) processed(_ context.Context, q ProcessedQuery) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, min(len(m.recs), q.Limit))
	for _, r := range m.recs {
		if q.Entity != "" && r.Entity != q.Entity {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && r.CommittedAt.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sortProcessed(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) trim(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trimLocked(olderThan), nil
}

func (m *memStore) trimLocked(olderThan time.Time) int64 {
	var n int64
	for k, r := range m.recs {
		if r.CommittedAt.Before(olderThan) {
			delete(m.recs, k)
			n++
		}
	}
	return n
}

func (m *memStore) close() error { return nil }

// sortProcessed orders by committed_at desc, then created_at desc, then key.
func sortProcessed(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CommittedAt.Equal(b.CommittedAt) {
			return a.CommittedAt.After(b.CommittedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Key().String() < b.Key().String()
	})
}
