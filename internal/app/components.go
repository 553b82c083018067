package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reposentinel/internal/config"
	"reposentinel/internal/cycle"
	"reposentinel/internal/eventbus"
	"reposentinel/internal/ledger"
	"reposentinel/internal/notify"
	"reposentinel/internal/notify/archive"
	"reposentinel/internal/notify/email"
	"reposentinel/internal/notify/slack"
	"reposentinel/internal/notify/telegram"
	"reposentinel/internal/report"
	"reposentinel/internal/retry"
	"reposentinel/internal/source"
	"reposentinel/internal/source/github"
	"reposentinel/internal/subscription"
	"reposentinel/internal/summarize"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

const (
	defaultLedgerPath   = "./data/sentinel.db"
	defaultRetention    = 30 * 24 * time.Hour
	defaultTrimSchedule = "daily 03:30"
	defaultCycle        = "daily 09:00"
	defaultCycleTimeout = 30 * time.Minute
)

// ErrNoChannels is returned when no notification channel is enabled.
var ErrNoChannels = errors.New("no notification channels enabled")

// Components is everything a cycle needs, built from one config.
type Components struct {
	Ledger        ledger.Ledger
	Subscriptions *subscription.Store
	Fetcher       *source.Fetcher
	Assembler     *report.Assembler
	Fanout        *notify.Fanout
	Summarizer    summarize.Summarizer // nil when disabled
	Driver        *cycle.Driver
}

// Build wires the pipeline. The returned Components own the ledger; call Close.
func Build(ctx context.Context, cfg *config.Config, bus eventbus.Bus, log logx.Logger) (*Components, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Components{}
	var err error

	subs, err := cfg.Subscriptions.Build()
	if err != nil {
		return nil, err
	}
	if c.Subscriptions, err = subscription.NewStore(subs); err != nil {
		return nil, fmt.Errorf("subscriptions: %w", err)
	}
	if c.Fetcher, err = buildFetcher(cfg, log); err != nil {
		return nil, err
	}
	if c.Assembler, err = buildAssembler(cfg); err != nil {
		return nil, err
	}
	channels, err := buildChannels(cfg, log)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	fcfg, err := fanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.Fanout = notify.NewFanout(channels, fcfg, log)

	if cfg.Summary.Enabled {
		g, err := summarize.NewGemini(ctx, summarize.Config{APIKey: cfg.Summary.APIKey, Models: cfg.Summary.Models}, log)
		if err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		c.Summarizer = g
	}

	dcfg, err := driverConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The ledger is opened last so earlier failures leave nothing to close.
	if c.Ledger, err = OpenLedger(ctx, cfg, log); err != nil {
		return nil, err
	}
	c.Driver, err = cycle.New(dcfg, cycle.Deps{
		Subscriptions: c.Subscriptions,
		Fetcher:       c.Fetcher,
		Ledger:        c.Ledger,
		Assembler:     c.Assembler,
		Notifier:      c.Fanout,
		Summarizer:    c.Summarizer,
		Bus:           bus,
		Log:           log,
	})
	if err != nil {
		_ = c.Ledger.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) Close() error {
	if c == nil || c.Ledger == nil {
		return nil
	}
	return c.Ledger.Close()
}

// OpenLedger opens the configured ledger. An unset sqlite path falls back to
// ./data/sentinel.db.
func OpenLedger(ctx context.Context, cfg *config.Config, log logx.Logger) (ledger.Ledger, error) {
	lc := cfg.Ledger
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	path := strings.TrimSpace(lc.Path)
	if path == "" && (driver == "" || driver == "sqlite" || driver == "sqlite3") {
		path = defaultLedgerPath
	}
	return ledger.Open(ctx, ledger.Config{Driver: driver, Path: path, DSN: lc.DSN, BusyTimeout: busy}, log)
}

// Retention is how far back the trim job keeps records.
func Retention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("ledger.retention", cfg.Ledger.Retention, defaultRetention)
}

func buildFetcher(cfg *config.Config, log logx.Logger) (*source.Fetcher, error) {
	g := cfg.GitHub
	timeout, err := config.ParseDurationOrDefault("github.timeout", g.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pol, err := g.Retry.Policy("github.retry", retry.Default())
	if err != nil {
		return nil, err
	}
	client := github.New(github.Config{
		BaseURL:    g.BaseURL,
		Token:      g.Token,
		UserAgent:  g.UserAgent,
		RatePerSec: g.RatePerSec,
		HTTPClient: &http.Client{Timeout: timeout + 5*time.Second},
	}, log)
	return source.NewFetcher(client, source.FetcherConfig{
		PerKindLimit: g.PerKindLimit,
		Timeout:      timeout,
		Concurrency:  g.Concurrency,
		Retry:        pol,
	}, log.With(logx.String("comp", "fetch"))), nil
}

func buildAssembler(cfg *config.Config) (*report.Assembler, error) {
	r := cfg.Report
	format, err := report.ParseFormat(r.Format)
	if err != nil {
		return nil, err
	}
	sections, err := update.ParseKinds(r.Sections)
	if err != nil {
		return nil, fmt.Errorf("report.sections: %w", err)
	}
	loc, err := location(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("report.timezone: %w", err)
	}
	stats := true
	if r.IncludeStats != nil {
		stats = *r.IncludeStats
	}
	return report.NewAssembler(report.Config{
		Title:              r.Title,
		Sections:           sections,
		MaxItemsPerSection: r.MaxItems,
		IncludeStats:       stats,
		Format:             format,
		Location:           loc,
	}), nil
}

func buildChannels(cfg *config.Config, log logx.Logger) ([]notify.Channel, error) {
	n := cfg.Notifications
	var out []notify.Channel

	if t := n.Telegram; t != nil && t.Enabled {
		chs, err := telegram.New(telegram.Config{
			Token:          t.Token,
			ChatIDs:        t.ChatIDs,
			ThreadID:       t.ThreadID,
			DisablePreview: t.DisablePreview,
			RatePerSec:     t.RatePerSec,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("notifications.telegram: %w", err)
		}
		for _, ch := range chs {
			out = append(out, ch)
		}
	}
	if s := n.Slack; s != nil && s.Enabled {
		ch, err := slack.New(slack.Config{WebhookURL: s.WebhookURL, Channel: s.Channel}, log.With(logx.String("comp", "slack")))
		if err != nil {
			return nil, fmt.Errorf("notifications.slack: %w", err)
		}
		out = append(out, ch)
	}
	if e := n.Email; e != nil && e.Enabled {
		from := strings.TrimSpace(e.From)
		if from == "" {
			from = e.Username
		}
		ch, err := email.New(email.Config{
			Host:               e.SMTPServer,
			Port:               e.SMTPPort,
			Username:           e.Username,
			Password:           e.Password,
			From:               from,
			To:                 e.Recipients,
			InsecureSkipVerify: e.InsecureSkipVerify,
		}, log.With(logx.String("comp", "email")))
		if err != nil {
			return nil, fmt.Errorf("notifications.email: %w", err)
		}
		out = append(out, ch)
	}
	if a := n.Archive; a != nil && a.Enabled {
		loc, err := location(cfg.Report.Timezone)
		if err != nil {
			return nil, fmt.Errorf("report.timezone: %w", err)
		}
		ch, err := archive.New(a.Dir, loc, log.With(logx.String("comp", "archive")))
		if err != nil {
			return nil, fmt.Errorf("notifications.archive: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func fanoutConfig(cfg *config.Config) (notify.FanoutConfig, error) {
	n := cfg.Notifications
	timeout, err := config.ParseDurationOrDefault("notifications.timeout", n.Timeout, 60*time.Second)
	if err != nil {
		return notify.FanoutConfig{}, err
	}
	pol, err := n.Retry.Policy("notifications.retry", retry.Default())
	if err != nil {
		return notify.FanoutConfig{}, err
	}
	return notify.FanoutConfig{Timeout: timeout, Retry: pol}, nil
}

func driverConfig(cfg *config.Config) (cycle.Config, error) {
	c := cfg.Cycle
	lookback, err := config.ParseDurationOrDefault("cycle.lookback", c.Lookback, cycle.DefaultLookback)
	if err != nil {
		return cycle.Config{}, err
	}
	commitTimeout, err := config.ParseDurationOrDefault("cycle.commit_timeout", c.CommitTimeout, 30*time.Second)
	if err != nil {
		return cycle.Config{}, err
	}
	summaryTimeout, err := config.ParseDurationOrDefault("cycle.summary_timeout", c.SummaryTimeout, 0)
	if err != nil {
		return cycle.Config{}, err
	}
	if summaryTimeout == 0 {
		// summary.timeout is the documented knob; cycle.summary_timeout wins when both are set.
		if summaryTimeout, err = config.ParseDurationOrDefault("summary.timeout", cfg.Summary.Timeout, 60*time.Second); err != nil {
			return cycle.Config{}, err
		}
	}
	pol, err := c.CommitRetry.Policy("cycle.commit_retry", retry.Default())
	if err != nil {
		return cycle.Config{}, err
	}
	return cycle.Config{
		Lookback:       lookback,
		CommitRetry:    pol,
		CommitTimeout:  commitTimeout,
		SummaryTimeout: summaryTimeout,
	}, nil
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
