package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/report"
	"reposentinel/internal/retry"
	"reposentinel/internal/schedule"
	"reposentinel/internal/subscription"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

// Validate reports every problem in cfg at once. It does not touch the
// network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	pol := func(path string, r RetryConfig) {
		_, err := r.Policy(path, retry.Default())
		add(err)
	}

	// github
	g := cfg.GitHub
	dur("github.timeout", g.Timeout)
	pol("github.retry", g.Retry)
	if g.RatePerSec < 0 {
		add(errors.New("github.rate_per_sec: must be >= 0"))
	}
	if g.PerKindLimit < 0 || g.Concurrency < 0 {
		add(errors.New("github: per_kind_limit and concurrency must be >= 0"))
	}

	// subscriptions
	if subs, err := cfg.Subscriptions.Build(); err != nil {
		add(err)
	} else if _, err := subscription.NewStore(subs); err != nil {
		add(fmt.Errorf("subscriptions: %w", err))
	}

	// ledger
	l := cfg.Ledger
	switch strings.ToLower(strings.TrimSpace(l.Driver)) {
	case "", "sqlite", "sqlite3":
	case "memory":
	case "file":
		if strings.TrimSpace(l.Path) == "" {
			add(errors.New("ledger.path: required for the file driver"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(l.DSN) == "" {
			add(fmt.Errorf("ledger.dsn: required for postgres (or set %s)", EnvPostgresDSN))
		}
	default:
		add(fmt.Errorf("ledger.driver: unknown driver %q", l.Driver))
	}
	dur("ledger.busy_timeout", l.BusyTimeout)
	dur("ledger.retention", l.Retention)
	if strings.TrimSpace(l.TrimSchedule) != "" {
		if _, err := schedule.Validate(l.TrimSchedule); err != nil {
			add(fmt.Errorf("ledger.trim_schedule: %w", err))
		}
	}

	// report
	r := cfg.Report
	if _, err := report.ParseFormat(r.Format); err != nil {
		add(fmt.Errorf("report.format: %w", err))
	}
	if _, err := update.ParseKinds(r.Sections); err != nil {
		add(fmt.Errorf("report.sections: %w", err))
	}
	if r.MaxItems < 0 {
		add(errors.New("report.max_items: must be >= 0"))
	}
	add(checkTimezone("report.timezone", r.Timezone))

	// notifications
	n := cfg.Notifications
	dur("notifications.timeout", n.Timeout)
	pol("notifications.retry", n.Retry)
	if t := n.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(fmt.Errorf("notifications.telegram.token: required (or set %s)", EnvTelegramToken))
		}
		if len(t.ChatIDs) == 0 {
			add(errors.New("notifications.telegram.chat_ids: at least one chat is required"))
		}
		if t.RatePerSec < 0 {
			add(errors.New("notifications.telegram.rate_per_sec: must be >= 0"))
		}
	}
	if s := n.Slack; s != nil && s.Enabled && strings.TrimSpace(s.WebhookURL) == "" {
		add(fmt.Errorf("notifications.slack.webhook_url: required (or set %s)", EnvSlackWebhook))
	}
	if e := n.Email; e != nil && e.Enabled {
		if strings.TrimSpace(e.SMTPServer) == "" {
			add(errors.New("notifications.email.smtp_server: required"))
		}
		if e.SMTPPort < 0 || e.SMTPPort > 65535 {
			add(fmt.Errorf("notifications.email.smtp_port: invalid port %d", e.SMTPPort))
		}
		if len(e.Recipients) == 0 {
			add(errors.New("notifications.email.recipients: at least one recipient is required"))
		}
		if strings.TrimSpace(e.From) == "" && strings.TrimSpace(e.Username) == "" {
			add(errors.New("notifications.email: from or username is required"))
		}
	}
	if a := n.Archive; a != nil && a.Enabled && strings.TrimSpace(a.Dir) == "" {
		add(errors.New("notifications.archive.dir: required"))
	}

	// summary
	if s := cfg.Summary; s.Enabled && strings.TrimSpace(s.APIKey) == "" {
		add(fmt.Errorf("summary.api_key: required when enabled (or set %s)", EnvGeminiAPIKey))
	}
	dur("summary.timeout", cfg.Summary.Timeout)

	// schedule
	if strings.TrimSpace(cfg.Schedule.Cycle) != "" {
		if _, err := schedule.Validate(cfg.Schedule.Cycle); err != nil {
			add(fmt.Errorf("schedule.cycle: %w", err))
		}
	}
	add(checkTimezone("schedule.timezone", cfg.Schedule.Timezone))
	dur("schedule.timeout", cfg.Schedule.Timeout)

	// cycle
	dur("cycle.lookback", cfg.Cycle.Lookback)
	dur("cycle.commit_timeout", cfg.Cycle.CommitTimeout)
	dur("cycle.summary_timeout", cfg.Cycle.SummaryTimeout)
	pol("cycle.commit_retry", cfg.Cycle.CommitRetry)

	// logging
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	return errors.Join(errs...)
}

func checkTimezone(path, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Build turns the configured repositories into subscriptions. A repository
// without its own track list uses default_track, then the built-in default.
func (c SubscriptionsConfig) Build() ([]subscription.Subscription, error) {
	out := make([]subscription.Subscription, 0, len(c.Repositories))
	for i, r := range c.Repositories {
		track := r.Track
		if len(track) == 0 {
			track = c.DefaultTrack
		}
		sub, err := subscription.New(r.Repo, track)
		if err != nil {
			return nil, fmt.Errorf("subscriptions.repositories[%d]: %w", i, err)
		}
		out = append(out, sub)
	}
	return out, nil
}
