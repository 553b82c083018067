package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	logx "reposentinel/pkg/logx"
)

const compactEvery = 1000

// fileStore persists a memStore without a database.
//
// Files:
//   - <prefix>.snapshot.json.zst (periodic zstd-compressed snapshot)
//   - <prefix>.journal.jsonl     (append-only journal since the snapshot)
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalEntry struct {
	Op     string  `json:"op"` // "put" | "trim"
	Record *Record `json:"rec,omitempty"`
	Before int64   `json:"before,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMemStore(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json.zst",
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replaying journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file ledger loaded", logx.Int("records", len(s.recs)))
	return s, nil
}

func (s *fileStore) insert(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	added := s.putLocked(recs)
	if len(added) == 0 {
		return nil
	}
	enc := json.NewEncoder(s.journal)
	for i := range added {
		if err := enc.Encode(journalEntry{Op: "put", Record: &added[i]}); err != nil {
			// Keep memory consistent with disk.
			for _, r := range added[i:] {
				delete(s.recs, r.Key())
			}
			return err
		}
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes += len(added)
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) trim(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := s.trimLocked(olderThan)
	if n == 0 {
		return 0, nil
	}
	// A trim rewrites the snapshot; the journal entry covers a crash in between.
	if err := json.NewEncoder(s.journal).Encode(journalEntry{Op: "trim", Before: olderThan.UnixMilli()}); err != nil {
		return n, err
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("ledger compact failed", logx.Err(err))
	}
	return n, nil
}

func (s *fileStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	recs := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	if err := json.NewEncoder(zw).Encode(recs); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.writes = 0
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	var recs []Record
	if err := json.NewDecoder(zr).Decode(&recs); err != nil {
		return err
	}
	s.putLocked(recs)
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn tail line after a crash.
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		switch e.Op {
		case "put":
			if e.Record != nil {
				s.putLocked([]Record{*e.Record})
			}
		case "trim":
			s.trimLocked(time.UnixMilli(e.Before))
		}
	}
	return sc.Err()
}
