package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Config is the whole sentinel configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// Secrets may be left empty here and supplied through the environment; see
// ApplyEnv.
type Config struct {
	GitHub        GitHubConfig        `json:"github"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Ledger        LedgerConfig        `json:"ledger"`
	Report        ReportConfig        `json:"report"`
	Notifications NotificationsConfig `json:"notifications"`
	Summary       SummaryConfig       `json:"summary,omitempty"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Cycle         CycleConfig         `json:"cycle,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
}

// RetryConfig is a retry policy. Zero fields take the caller's default.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Base        string   `json:"base,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`
}

type GitHubConfig struct {
	Token      string  `json:"token,omitempty"` // or GITHUB_TOKEN (do not log)
	BaseURL    string  `json:"base_url,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Timeout bounds each API request.
	Timeout      string      `json:"timeout,omitempty"`
	PerKindLimit int         `json:"per_kind_limit,omitempty"`
	Concurrency  int         `json:"concurrency,omitempty"`
	Retry        RetryConfig `json:"retry,omitempty"`
}

// SubscriptionsConfig seeds the subscription store.
//
// Example:
//
//	"subscriptions": {
//	  "default_track": ["commits", "issues"],
//	  "repositories": ["golang/go", {"repo": "rs/zerolog", "track": ["releases"]}]
//	}
type SubscriptionsConfig struct {
	DefaultTrack []string           `json:"default_track,omitempty"`
	Repositories []RepositoryConfig `json:"repositories"`
}

// RepositoryConfig accepts either "owner/repo" or {"repo": ..., "track": [...]}.
type RepositoryConfig struct {
	Repo  string   `json:"repo"`
	Track []string `json:"track,omitempty"`
}

func (r *RepositoryConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = RepositoryConfig{Repo: s}
		return nil
	}
	type plain RepositoryConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	*r = RepositoryConfig(p)
	return nil
}

// LedgerConfig selects the dedup store.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./data/sentinel.db", "retention": "720h" }
type LedgerConfig struct {
	Driver      string `json:"driver"`                 // sqlite (default) | file | postgres | memory
	Path        string `json:"path,omitempty"`         // sqlite file or file-store prefix
	DSN         string `json:"dsn,omitempty"`          // postgres, or SENTINEL_POSTGRES_DSN (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// Retention is how long delivered records are kept before the daily trim.
	Retention string `json:"retention,omitempty"`
	// TrimSchedule runs the retention trim in the daemon; empty means "daily 03:30".
	TrimSchedule string `json:"trim_schedule,omitempty"`
}

type ReportConfig struct {
	Title        string   `json:"title,omitempty"`
	Format       string   `json:"format,omitempty"`   // markdown | html
	Sections     []string `json:"sections,omitempty"` // order
	MaxItems     int      `json:"max_items,omitempty"`
	IncludeStats *bool    `json:"include_stats,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

type NotificationsConfig struct {
	// Timeout bounds one channel's delivery, including retries and parts.
	Timeout  string          `json:"timeout,omitempty"`
	Retry    RetryConfig     `json:"retry,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty"`
	Archive  *ArchiveConfig  `json:"archive,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool    `json:"enabled"`
	Token          string  `json:"token,omitempty"` // or TELEGRAM_TOKEN (do not log)
	ChatIDs        []int64 `json:"chat_ids"`
	ThreadID       int     `json:"thread_id,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"` // or SLACK_WEBHOOK_URL (do not log)
	Channel    string `json:"channel,omitempty"`
}

type EmailConfig struct {
	Enabled            bool     `json:"enabled"`
	SMTPServer         string   `json:"smtp_server"`
	SMTPPort           int      `json:"smtp_port,omitempty"`
	Username           string   `json:"username,omitempty"`
	Password           string   `json:"password,omitempty"` // or SMTP_PASSWORD (do not log)
	From               string   `json:"from,omitempty"`     // defaults to username
	Recipients         []string `json:"recipients"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

// SummaryConfig enables the Gemini rewrite of each report.
type SummaryConfig struct {
	Enabled bool     `json:"enabled"`
	APIKey  string   `json:"api_key,omitempty"` // or GEMINI_API_KEY (do not log)
	Models  []string `json:"models,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// ScheduleConfig drives the daemon.
//
// Cycle accepts cron ("0 9 * * *"), descriptors ("@every 6h"), durations
// ("6h"), HH:MM intervals ("06:00"), and "daily 09:00" / "weekly 09:00 mon".
type ScheduleConfig struct {
	Cycle      string `json:"cycle"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
	// Timeout bounds one whole cycle.
	Timeout string `json:"timeout,omitempty"`
}

type CycleConfig struct {
	Lookback       string      `json:"lookback,omitempty"`
	CommitTimeout  string      `json:"commit_timeout,omitempty"`
	CommitRetry    RetryConfig `json:"commit_retry,omitempty"`
	SummaryTimeout string      `json:"summary_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
