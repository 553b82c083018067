package update

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of activity kinds a repository produces.
type Kind string

const (
	KindCommit      Kind = "commit"
	KindIssue       Kind = "issue"
	KindPullRequest Kind = "pull_request"
	KindRelease     Kind = "release"
)

// Kinds lists every kind in default report order.
var Kinds = []Kind{KindCommit, KindPullRequest, KindIssue, KindRelease}

func (k Kind) Valid() bool {
	switch k {
	case KindCommit, KindIssue, KindPullRequest, KindRelease:
		return true
	}
	return false
}

// Title is the human label used in reports and CLI tables.
func (k Kind) Title() string {
	switch k {
	case KindCommit:
		return "Commits"
	case KindIssue:
		return "Issues"
	case KindPullRequest:
		return "Pull Requests"
	case KindRelease:
		return "Releases"
	default:
		return string(k)
	}
}

// ParseKind accepts singular and plural spellings ("issues", "pull-requests", "prs").
func ParseKind(raw string) (Kind, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "commit", "commits":
		return KindCommit, nil
	case "issue", "issues":
		return KindIssue, nil
	case "pull_request", "pull_requests", "pr", "prs", "pull", "pulls":
		return KindPullRequest, nil
	case "release", "releases":
		return KindRelease, nil
	}
	return "", fmt.Errorf("unknown update kind %q", raw)
}

// ParseKinds parses a list, dropping duplicates and keeping first-seen order.
func ParseKinds(raw []string) ([]Kind, error) {
	out := make([]Kind, 0, len(raw))
	seen := map[Kind]bool{}
	for _, r := range raw {
		k, err := ParseKind(r)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

// Update is one unit of repository activity. The header fields are shared by
// every kind; kind-specific data lives in Payload, whose concrete type always
// matches Kind.
type Update struct {
	Entity    string
	Kind      Kind
	ID        string
	Title     string
	Author    string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time // zero when the source has no separate update time

	Payload Payload
}

// Freshness is the timestamp used for "since" decisions.
func (u Update) Freshness() time.Time {
	if !u.UpdatedAt.IsZero() {
		return u.UpdatedAt
	}
	return u.CreatedAt
}

// Key is the dedup identity of an update.
func (u Update) Key() Key { return Key{Entity: u.Entity, Kind: u.Kind, ID: u.ID} }

// Key identifies an update across entities.
type Key struct {
	Entity string
	Kind   Kind
	ID     string
}

func (k Key) String() string { return k.Entity + "/" + string(k.Kind) + "/" + k.ID }

// Payload is sealed: only the variants in this package implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

type CommitPayload struct {
	Message string
}

type IssuePayload struct {
	State  string
	Labels []string
}

type PullRequestPayload struct {
	State   string
	Merged  bool
	BaseRef string
	HeadRef string
}

type ReleasePayload struct {
	Tag        string
	Body       string
	Prerelease bool
}

func (CommitPayload) Kind() Kind      { return KindCommit }
func (IssuePayload) Kind() Kind       { return KindIssue }
func (PullRequestPayload) Kind() Kind { return KindPullRequest }
func (ReleasePayload) Kind() Kind     { return KindRelease }

func (CommitPayload) sealed()      {}
func (IssuePayload) sealed()       {}
func (PullRequestPayload) sealed() {}
func (ReleasePayload) sealed()     {}

// Validate checks the header fields and that Payload matches Kind.
func (u Update) Validate() error {
	if !u.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", u.Kind)
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%s: empty id", u.Kind)
	}
	if u.CreatedAt.IsZero() {
		return fmt.Errorf("%s %s: missing created_at", u.Kind, u.ID)
	}
	if u.Payload == nil || u.Payload.Kind() != u.Kind {
		return fmt.Errorf("%s %s: payload does not match kind", u.Kind, u.ID)
	}
	return nil
}
