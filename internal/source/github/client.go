package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reposentinel/internal/retry"
	"reposentinel/internal/source"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	maxPerPage     = 100
	maxBodyBytes   = 8 << 20
)

type Config struct {
	BaseURL    string
	Token      string
	UserAgent  string
	RatePerSec float64
	HTTPClient *http.Client
}

// Client lists repository activity from the GitHub REST API.
type Client struct {
	baseURL string
	token   string
	ua      string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

var _ source.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "reposentinel"
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		ua:      ua,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		log:     log,
		now:     time.Now,
	}
}

// ListEvents returns up to limit raw records of kind for entity ("owner/repo"),
// newest first.
func (c *Client) ListEvents(ctx context.Context, entity string, kind update.Kind, since time.Time, limit int) ([]source.RawRecord, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(entity), "/")
	if !ok || owner == "" || repo == "" {
		return nil, retry.NoRetry(fmt.Errorf("invalid entity %q (want owner/repo)", entity))
	}
	if limit <= 0 || limit > maxPerPage {
		limit = maxPerPage
	}

	q := url.Values{}
	q.Set("per_page", strconv.Itoa(limit))
	var resource string
	switch kind {
	case update.KindCommit:
		resource = "commits"
		if !since.IsZero() {
			q.Set("since", since.UTC().Format(time.RFC3339))
		}
	case update.KindIssue:
		resource = "issues"
		q.Set("state", "all")
		q.Set("sort", "updated")
		q.Set("direction", "desc")
		if !since.IsZero() {
			q.Set("since", since.UTC().Format(time.RFC3339))
		}
	case update.KindPullRequest:
		resource = "pulls"
		q.Set("state", "all")
		q.Set("sort", "updated")
		q.Set("direction", "desc")
	case update.KindRelease:
		resource = "releases"
	default:
		return nil, retry.NoRetry(fmt.Errorf("unsupported kind %q", kind))
	}

	path := fmt.Sprintf("/repos/%s/%s/%s", url.PathEscape(owner), url.PathEscape(repo), resource)
	items, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	out := make([]source.RawRecord, 0, len(items))
	for _, it := range items {
		out = append(out, source.RawRecord{Kind: kind, Data: it})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.NoRetry(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.ua)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, source.Unavailable(0, fmt.Errorf("GET %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, source.Unavailable(resp.StatusCode, fmt.Errorf("reading response body: %w", err))
	}

	if reset, limited := c.rateLimited(resp); limited {
		c.log.Debug("rate limited", logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Time("reset", reset))
		return nil, source.RateLimited(resp.StatusCode, reset, fmt.Errorf("GET %s: %s", path, apiMessage(body)))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return nil, source.Unavailable(resp.StatusCode, fmt.Errorf("GET %s: %s", path, apiMessage(body)))
	default:
		// 401, 404, 422 and friends will not fix themselves within a cycle.
		return nil, retry.NoRetry(source.Unavailable(resp.StatusCode, fmt.Errorf("GET %s: %s", path, apiMessage(body))))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, source.Unavailable(resp.StatusCode, fmt.Errorf("malformed response for %s: %w", path, err))
	}
	return items, nil
}

// rateLimited detects both primary (403 + X-RateLimit-Remaining: 0) and
// secondary (429 or Retry-After) limits.
func (c *Client) rateLimited(resp *http.Response) (time.Time, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusForbidden {
		return time.Time{}, false
	}
	now := c.now()
	if s := strings.TrimSpace(resp.Header.Get("Retry-After")); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second), true
		}
	}
	remaining := strings.TrimSpace(resp.Header.Get("X-RateLimit-Remaining"))
	if resp.StatusCode == http.StatusForbidden && remaining != "0" {
		return time.Time{}, false
	}
	if s := strings.TrimSpace(resp.Header.Get("X-RateLimit-Reset")); s != "" {
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(unix, 0), true
		}
	}
	return now.Add(time.Minute), true
}

func apiMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
