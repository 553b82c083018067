package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reposentinel/internal/retry"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

type fakeClient struct {
	mu    sync.Mutex
	calls map[string]int
	list  func(entity string, kind update.Kind) ([]RawRecord, error)
}

func (c *fakeClient) ListEvents(ctx context.Context, entity string, kind update.Kind, since time.Time, limit int) ([]RawRecord, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[entity+"/"+string(kind)]++
	c.mu.Unlock()
	return c.list(entity, kind)
}

func (c *fakeClient) count(entity string, kind update.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[entity+"/"+string(kind)]
}

func issueRecord(n int, created time.Time) RawRecord {
	return RawRecord{Kind: update.KindIssue, Data: []byte(fmt.Sprintf(
		`{"number": %d, "title": "issue %d", "state": "open", "user": {"login": "u"}, "created_at": %q}`,
		n, n, created.Format(time.RFC3339)))}
}

func commitRecord(sha string, created time.Time) RawRecord {
	return RawRecord{Kind: update.KindCommit, Data: []byte(fmt.Sprintf(
		`{"sha": %q, "commit": {"message": "m", "author": {"name": "a", "date": %q}}}`,
		sha, created.Format(time.RFC3339)))}
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Base: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestFetchIsolatesKindFailures(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := &fakeClient{list: func(entity string, kind update.Kind) ([]RawRecord, error) {
		switch kind {
		case update.KindCommit:
			return nil, Unavailable(502, errors.New("bad gateway"))
		case update.KindIssue:
			return []RawRecord{issueRecord(1, now), issueRecord(2, now)}, nil
		}
		return nil, nil
	}}
	f := NewFetcher(c, FetcherConfig{Retry: fastPolicy(2)}, logx.Nop())

	ups, errs := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindCommit, update.KindIssue}, now.Add(-time.Hour))
	if len(ups) != 2 {
		t.Fatalf("got %d updates, want 2", len(ups))
	}
	for _, u := range ups {
		if u.Kind != update.KindIssue {
			t.Fatalf("unexpected kind %s", u.Kind)
		}
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrSourceUnavailable) {
		t.Fatalf("errs = %v, want one SourceUnavailable", errs)
	}
	if got := c.count("o/r", update.KindCommit); got != 2 {
		t.Fatalf("commit attempts = %d, want 2 (retried)", got)
	}
}

func TestFetchFiltersBySinceAndCaps(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &fakeClient{list: func(string, update.Kind) ([]RawRecord, error) {
		recs := []RawRecord{issueRecord(100, since.Add(-time.Minute))}
		for i := 1; i <= 5; i++ {
			recs = append(recs, issueRecord(i, since.Add(time.Duration(i)*time.Minute)))
		}
		return recs, nil
	}}
	f := NewFetcher(c, FetcherConfig{PerKindLimit: 3}, logx.Nop())
	ups, errs := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindIssue}, since)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(ups) != 3 {
		t.Fatalf("got %d updates, want cap 3", len(ups))
	}
	for _, u := range ups {
		if u.ID == "100" {
			t.Fatal("stale record should be filtered client-side")
		}
	}
}

func TestFetchUsesUpdatedAtForFreshness(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &fakeClient{list: func(string, update.Kind) ([]RawRecord, error) {
		return []RawRecord{{Kind: update.KindIssue, Data: []byte(`{"number": 5, "created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-03-02T00:00:00Z"}`)}}, nil
	}}
	f := NewFetcher(c, FetcherConfig{}, logx.Nop())
	ups, _ := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindIssue}, since)
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want recently edited issue", len(ups))
	}
}

func TestFetchDropsMalformedRecords(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := &fakeClient{list: func(string, update.Kind) ([]RawRecord, error) {
		return []RawRecord{{Kind: update.KindIssue, Data: []byte(`{"broken"`)}, issueRecord(3, now)}, nil
	}}
	f := NewFetcher(c, FetcherConfig{}, logx.Nop())
	ups, errs := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindIssue}, now.Add(-time.Hour))
	if len(ups) != 1 || len(errs) != 0 {
		t.Fatalf("ups=%d errs=%v, want 1 update and no kind errors", len(ups), errs)
	}
}

func TestRateLimitSkipsWithoutRetryAndBacksOff(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := &fakeClient{list: func(entity string, kind update.Kind) ([]RawRecord, error) {
		if kind == update.KindCommit {
			return nil, RateLimited(403, now.Add(time.Hour), errors.New("quota"))
		}
		return []RawRecord{issueRecord(1, now)}, nil
	}}
	f := NewFetcher(c, FetcherConfig{Retry: fastPolicy(3)}, logx.Nop())
	ups, errs := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindCommit, update.KindIssue}, now.Add(-time.Hour))
	if got := c.count("o/r", update.KindCommit); got != 1 {
		t.Fatalf("rate limited kind attempted %d times, want 1", got)
	}
	if got := c.count("o/r", update.KindIssue); got != 0 {
		t.Fatalf("issues should be skipped during backoff, attempted %d", got)
	}
	if len(ups) != 0 || len(errs) != 2 {
		t.Fatalf("ups=%d errs=%d, want 0 and 2", len(ups), len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, ErrSourceRateLimited) {
			t.Fatalf("err = %v, want rate limited", err)
		}
	}
}

func TestFetchAllCollectsEveryEntity(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := &fakeClient{list: func(entity string, kind update.Kind) ([]RawRecord, error) {
		if entity == "bad/repo" {
			return nil, Unavailable(0, errors.New("dial tcp: refused"))
		}
		if kind == update.KindCommit {
			return []RawRecord{commitRecord(entity+"-sha", now)}, nil
		}
		return []RawRecord{issueRecord(1, now)}, nil
	}}
	f := NewFetcher(c, FetcherConfig{Concurrency: 2, Retry: fastPolicy(1)}, logx.Nop())
	targets := []Target{
		{Entity: "a/one", Kinds: []update.Kind{update.KindCommit, update.KindIssue}},
		{Entity: "bad/repo", Kinds: []update.Kind{update.KindIssue}},
		{Entity: "b/two", Kinds: []update.Kind{update.KindIssue}},
	}
	b := f.FetchAll(context.Background(), targets, now.Add(-time.Hour))
	if len(b.Entities) != 3 {
		t.Fatalf("entities = %d, want 3", len(b.Entities))
	}
	if b.Entities[0].Entity != "a/one" || len(b.Entities[0].Updates) != 2 {
		t.Fatalf("a/one = %+v", b.Entities[0])
	}
	if len(b.Entities[1].Updates) != 0 || len(b.Entities[2].Updates) != 1 {
		t.Fatalf("unexpected per-entity counts: %+v", b.Entities)
	}
	if b.Total() != 3 || len(b.Errors) != 1 {
		t.Fatalf("total=%d errors=%v", b.Total(), b.Errors)
	}
}

func TestFetchTimesOutSlowCalls(t *testing.T) {
	t.Parallel()
	c := &slowClient{}
	f := NewFetcher(c, FetcherConfig{Timeout: 20 * time.Millisecond, Retry: fastPolicy(1)}, logx.Nop())
	_, errs := f.Fetch(context.Background(), "o/r", []update.Kind{update.KindIssue}, time.Now())
	if len(errs) != 1 || !errors.Is(errs[0], ErrSourceUnavailable) {
		t.Fatalf("errs = %v, want timeout classified as unavailable", errs)
	}
}

type slowClient struct{}

func (slowClient) ListEvents(ctx context.Context, _ string, _ update.Kind, _ time.Time, _ int) ([]RawRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
