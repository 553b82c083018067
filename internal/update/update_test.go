package update

import (
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Kind
	}{
		{"commits", KindCommit},
		{"Issue", KindIssue},
		{"pull_requests", KindPullRequest},
		{"pull-request", KindPullRequest},
		{"prs", KindPullRequest},
		{" releases ", KindRelease},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKind(tt.raw)
			if err != nil {
				t.Fatalf("ParseKind(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseKind(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
	if _, err := ParseKind("wiki"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestParseKindsDedups(t *testing.T) {
	t.Parallel()
	got, err := ParseKinds([]string{"issues", "commits", "issue"})
	if err != nil {
		t.Fatalf("ParseKinds error: %v", err)
	}
	if len(got) != 2 || got[0] != KindIssue || got[1] != KindCommit {
		t.Fatalf("ParseKinds = %v", got)
	}
}

func TestFreshnessPrefersUpdatedAt(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := Update{CreatedAt: created}
	if !u.Freshness().Equal(created) {
		t.Fatalf("Freshness = %v, want created", u.Freshness())
	}
	u.UpdatedAt = created.Add(time.Hour)
	if !u.Freshness().Equal(u.UpdatedAt) {
		t.Fatalf("Freshness = %v, want updated", u.Freshness())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := Update{Kind: KindIssue, ID: "42", CreatedAt: time.Now(), Payload: IssuePayload{State: "open"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	mismatch := ok
	mismatch.Payload = ReleasePayload{}
	if err := mismatch.Validate(); err == nil {
		t.Fatal("expected payload/kind mismatch error")
	}
	noID := ok
	noID.ID = " "
	if err := noID.Validate(); err == nil {
		t.Fatal("expected empty id error")
	}
}

func TestKeyIncludesEntity(t *testing.T) {
	t.Parallel()
	a := Update{Entity: "a/one", Kind: KindIssue, ID: "1"}
	b := Update{Entity: "b/two", Kind: KindIssue, ID: "1"}
	if a.Key() == b.Key() {
		t.Fatal("keys from different entities must differ")
	}
}
