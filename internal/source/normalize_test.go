package source

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reposentinel/internal/update"
)

func TestNormalizeCommit(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"sha": "abc1234def",
		"html_url": "https://github.com/o/r/commit/abc1234def",
		"commit": {"message": "fix: handle nil\n\nlonger body", "author": {"name": "Ada", "date": "2026-03-01T10:00:00+02:00"}},
		"author": {"login": "ada"}
	}`)
	u, err := Normalize("o/r", update.KindCommit, raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if u.ID != "abc1234def" || u.Title != "fix: handle nil" || u.Author != "Ada" {
		t.Fatalf("unexpected update: %+v", u)
	}
	if want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC); !u.CreatedAt.Equal(want) || u.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt = %v, want %v in UTC", u.CreatedAt, want)
	}
	p, ok := u.Payload.(update.CommitPayload)
	if !ok || p.Message != "fix: handle nil\n\nlonger body" {
		t.Fatalf("payload = %#v", u.Payload)
	}
	if u.Entity != "o/r" || u.Kind != update.KindCommit {
		t.Fatalf("header not set: %+v", u)
	}
}

func TestNormalizeDefaultsMissingAuthor(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"number": 7, "title": "crash", "state": "open", "created_at": "2026-03-01T10:00:00Z", "user": null}`)
	u, err := Normalize("o/r", update.KindIssue, raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if u.Author != UnknownAuthor {
		t.Fatalf("Author = %q, want %q", u.Author, UnknownAuthor)
	}
	if !u.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt should be zero, got %v", u.UpdatedAt)
	}
}

func TestNormalizeCommitWithoutMessage(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"sha": "beef", "commit": {"committer": {"date": "2026-03-01T10:00:00Z"}}}`)
	u, err := Normalize("o/r", update.KindCommit, raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if u.Title != "" || u.Author != UnknownAuthor {
		t.Fatalf("unexpected defaults: %+v", u)
	}
}

func TestNormalizeSkipsPullRequestsInIssues(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"number": 8, "title": "pr", "created_at": "2026-03-01T10:00:00Z", "pull_request": {"url": "x"}}`)
	if _, err := Normalize("o/r", update.KindIssue, raw); !errors.Is(err, ErrSkip) {
		t.Fatalf("err = %v, want ErrSkip", err)
	}
}

func TestNormalizePullRequest(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{
		"number": 12, "title": "Add cache", "state": "closed", "user": {"login": "bob"},
		"created_at": "2026-03-01T10:00:00Z", "updated_at": "2026-03-02T10:00:00Z",
		"merged_at": "2026-03-02T09:00:00Z", "base": {"ref": "main"}, "head": {"ref": "feature/cache"}
	}`)
	u, err := Normalize("o/r", update.KindPullRequest, raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	p := u.Payload.(update.PullRequestPayload)
	if !p.Merged || p.BaseRef != "main" || p.HeadRef != "feature/cache" {
		t.Fatalf("payload = %+v", p)
	}
	if u.ID != "12" || u.Author != "bob" {
		t.Fatalf("update = %+v", u)
	}
}

func TestNormalizeRelease(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"id": 99, "tag_name": "v1.2.0", "body": "notes", "prerelease": true,
		"created_at": "2026-03-01T10:00:00Z", "published_at": "2026-03-01T12:00:00Z"}`)
	u, err := Normalize("o/r", update.KindRelease, raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if u.Title != "v1.2.0" {
		t.Fatalf("Title = %q, want tag fallback", u.Title)
	}
	if !u.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("CreatedAt = %v, want published_at", u.CreatedAt)
	}
	if p := u.Payload.(update.ReleasePayload); !p.Prerelease || p.Body != "notes" {
		t.Fatalf("payload = %+v", p)
	}

	draft := json.RawMessage(`{"id": 100, "tag_name": "v2", "draft": true, "created_at": "2026-03-01T10:00:00Z"}`)
	if _, err := Normalize("o/r", update.KindRelease, draft); !errors.Is(err, ErrSkip) {
		t.Fatalf("draft err = %v, want ErrSkip", err)
	}
}

func TestNormalizeRejectsUnusableRecords(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind update.Kind
		raw  string
	}{
		{name: "malformed json", kind: update.KindIssue, raw: `{"number": `},
		{name: "missing id", kind: update.KindIssue, raw: `{"title": "x", "created_at": "2026-03-01T10:00:00Z"}`},
		{name: "missing timestamp", kind: update.KindPullRequest, raw: `{"number": 3}`},
		{name: "wrong shape", kind: update.KindCommit, raw: `[1,2,3]`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize("o/r", tt.kind, json.RawMessage(tt.raw))
			var nerr *NormalizationError
			if !errors.As(err, &nerr) {
				t.Fatalf("err = %v, want *NormalizationError", err)
			}
		})
	}
}
