package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"reposentinel/internal/update"
)

// UnknownAuthor replaces a missing author name.
const UnknownAuthor = "Unknown"

type rawUser struct {
	Login string `json:"login"`
}

type rawSignature struct {
	Name string     `json:"name"`
	Date *time.Time `json:"date"`
}

type rawCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  *struct {
		Message   string        `json:"message"`
		Author    *rawSignature `json:"author"`
		Committer *rawSignature `json:"committer"`
	} `json:"commit"`
	Author *rawUser `json:"author"`
}

type rawLabel struct {
	Name string `json:"name"`
}

type rawIssue struct {
	Number      *int64          `json:"number"`
	Title       string          `json:"title"`
	State       string          `json:"state"`
	HTMLURL     string          `json:"html_url"`
	User        *rawUser        `json:"user"`
	Labels      []rawLabel      `json:"labels"`
	CreatedAt   *time.Time      `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request"`
}

type rawRef struct {
	Ref string `json:"ref"`
}

type rawPull struct {
	Number    *int64     `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	User      *rawUser   `json:"user"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	Merged    bool       `json:"merged"`
	Base      *rawRef    `json:"base"`
	Head      *rawRef    `json:"head"`
}

type rawRelease struct {
	ID          *int64     `json:"id"`
	Name        string     `json:"name"`
	TagName     string     `json:"tag_name"`
	Body        string     `json:"body"`
	HTMLURL     string     `json:"html_url"`
	Author      *rawUser   `json:"author"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	CreatedAt   *time.Time `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
}

// Normalize converts one raw record into an Update. It returns ErrSkip for
// records that belong to another kind and a *NormalizationError for records
// that cannot be used at all.
func Normalize(entity string, kind update.Kind, data json.RawMessage) (update.Update, error) {
	fail := func(reason string, err error) (update.Update, error) {
		return update.Update{}, &NormalizationError{Entity: entity, Kind: kind, Reason: reason, Err: err}
	}

	var (
		u   update.Update
		err error
	)
	switch kind {
	case update.KindCommit:
		u, err = normalizeCommit(data)
	case update.KindIssue:
		u, err = normalizeIssue(data)
	case update.KindPullRequest:
		u, err = normalizePull(data)
	case update.KindRelease:
		u, err = normalizeRelease(data)
	default:
		return fail("unsupported kind", nil)
	}
	if errors.Is(err, ErrSkip) {
		return update.Update{}, ErrSkip
	}
	if err != nil {
		return fail("decode", err)
	}

	u.Entity = entity
	u.Kind = kind
	if strings.TrimSpace(u.Author) == "" {
		u.Author = UnknownAuthor
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if !u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.UpdatedAt.UTC()
	}
	if verr := u.Validate(); verr != nil {
		return fail(verr.Error(), nil)
	}
	return u, nil
}

func normalizeCommit(data json.RawMessage) (update.Update, error) {
	var c rawCommit
	if err := json.Unmarshal(data, &c); err != nil {
		return update.Update{}, err
	}
	u := update.Update{ID: c.SHA, URL: c.HTMLURL}
	var message string
	if c.Commit != nil {
		message = c.Commit.Message
		if a := c.Commit.Author; a != nil {
			u.Author = a.Name
			if a.Date != nil {
				u.CreatedAt = *a.Date
			}
		}
		if u.CreatedAt.IsZero() && c.Commit.Committer != nil && c.Commit.Committer.Date != nil {
			u.CreatedAt = *c.Commit.Committer.Date
		}
	}
	if u.Author == "" && c.Author != nil {
		u.Author = c.Author.Login
	}
	u.Title = firstLine(message)
	u.Payload = update.CommitPayload{Message: message}
	return u, nil
}

func normalizeIssue(data json.RawMessage) (update.Update, error) {
	var is rawIssue
	if err := json.Unmarshal(data, &is); err != nil {
		return update.Update{}, err
	}
	if pr := bytes.TrimSpace(is.PullRequest); len(pr) > 0 && !bytes.Equal(pr, []byte("null")) {
		return update.Update{}, ErrSkip
	}
	u := update.Update{
		ID:        numberID(is.Number),
		Title:     is.Title,
		URL:       is.HTMLURL,
		Author:    login(is.User),
		CreatedAt: deref(is.CreatedAt),
		UpdatedAt: deref(is.UpdatedAt),
	}
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	u.Payload = update.IssuePayload{State: is.State, Labels: labels}
	return u, nil
}

func normalizePull(data json.RawMessage) (update.Update, error) {
	var pr rawPull
	if err := json.Unmarshal(data, &pr); err != nil {
		return update.Update{}, err
	}
	u := update.Update{
		ID:        numberID(pr.Number),
		Title:     pr.Title,
		URL:       pr.HTMLURL,
		Author:    login(pr.User),
		CreatedAt: deref(pr.CreatedAt),
		UpdatedAt: deref(pr.UpdatedAt),
	}
	p := update.PullRequestPayload{State: pr.State, Merged: pr.Merged || pr.MergedAt != nil}
	if pr.Base != nil {
		p.BaseRef = pr.Base.Ref
	}
	if pr.Head != nil {
		p.HeadRef = pr.Head.Ref
	}
	u.Payload = p
	return u, nil
}

func normalizeRelease(data json.RawMessage) (update.Update, error) {
	var r rawRelease
	if err := json.Unmarshal(data, &r); err != nil {
		return update.Update{}, err
	}
	if r.Draft {
		return update.Update{}, ErrSkip
	}
	u := update.Update{
		ID:     numberID(r.ID),
		Title:  r.Name,
		URL:    r.HTMLURL,
		Author: login(r.Author),
	}
	if u.Title == "" {
		u.Title = r.TagName
	}
	if r.PublishedAt != nil {
		u.CreatedAt = *r.PublishedAt
	} else {
		u.CreatedAt = deref(r.CreatedAt)
	}
	u.Payload = update.ReleasePayload{Tag: r.TagName, Body: r.Body, Prerelease: r.Prerelease}
	return u, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func numberID(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func login(u *rawUser) string {
	if u == nil {
		return ""
	}
	return u.Login
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
