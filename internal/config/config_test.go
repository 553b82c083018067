package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"reposentinel/internal/retry"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

const sampleYAML = `
github:
  timeout: 20s
  retry:
    max_attempts: 4
subscriptions:
  default_track: [commits, releases]
  repositories:
    - golang/go
    - repo: rs/zerolog
      track: [issues, pull_requests]
ledger:
  driver: sqlite
  path: ./data/sentinel.db
report:
  format: html
notifications:
  slack:
    enabled: true
    webhook_url: https://hooks.slack.test/abc
schedule:
  cycle: daily 09:00
logging:
  level: info
  console: true
`

func noEnv(string) string { return "" }

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.GitHub.Retry.MaxAttempts != 4 || cfg.Report.Format != "html" {
		t.Fatalf("cfg = %+v", cfg)
	}

	subs, err := cfg.Subscriptions.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("subs = %+v", subs)
	}
	if want := []update.Kind{update.KindCommit, update.KindRelease}; !slices.Equal(subs[0].Kinds, want) {
		t.Fatalf("default track = %v, want %v", subs[0].Kinds, want)
	}
	if want := []update.Kind{update.KindIssue, update.KindPullRequest}; !slices.Equal(subs[1].Kinds, want) {
		t.Fatalf("own track = %v, want %v", subs[1].Kinds, want)
	}
}

func TestDecodeJSONWithComments(t *testing.T) {
	t.Parallel()
	raw := `{
  // seed list
  "subscriptions": {"repositories": ["golang/go",]},
  "schedule": {"cycle": "6h"}, /* trailing comma above */
}`
	for _, name := range []string{"config.json", "config.jsonc"} {
		cfg, err := Decode(name, []byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(cfg.Subscriptions.Repositories) != 1 || cfg.Schedule.Cycle != "6h" {
			t.Fatalf("%s: cfg = %+v", name, cfg)
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		raw  string
	}{
		{name: "unknown field", file: "c.json", raw: `{"nope": 1}`},
		{name: "unknown nested field", file: "c.yaml", raw: "ledger:\n  drivr: sqlite\n"},
		{name: "unknown repository field", file: "c.json", raw: `{"subscriptions":{"repositories":[{"repo":"a/b","kinds":["x"]}]}}`},
		{name: "trailing data", file: "c.json", raw: `{} {}`},
		{name: "bad yaml", file: "c.yml", raw: "a: [1,\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvGitHubToken:   "gh-env",
		EnvTelegramToken: "tg-env",
		EnvSlackWebhook:  "https://hooks.slack.test/env",
		EnvSMTPPassword:  "pw-env",
		EnvGeminiAPIKey:  "gem-env",
		EnvPostgresDSN:   "postgres://env",
	}
	cfg := &Config{
		GitHub: GitHubConfig{Token: "gh-file"},
		Ledger: LedgerConfig{Driver: "postgres"},
		Notifications: NotificationsConfig{
			Telegram: &TelegramConfig{Enabled: true},
			Slack:    &SlackConfig{Enabled: true},
			Email:    &EmailConfig{Enabled: true},
		},
	}
	ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.GitHub.Token != "gh-file" {
		t.Fatalf("file value overridden: %q", cfg.GitHub.Token)
	}
	n := cfg.Notifications
	if n.Telegram.Token != "tg-env" || n.Slack.WebhookURL != env[EnvSlackWebhook] || n.Email.Password != "pw-env" {
		t.Fatalf("notifications = %+v %+v %+v", n.Telegram, n.Slack, n.Email)
	}
	if cfg.Summary.APIKey != "gem-env" || cfg.Ledger.DSN != "postgres://env" {
		t.Fatalf("summary/ledger = %q %q", cfg.Summary.APIKey, cfg.Ledger.DSN)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad repo", cfg: Config{Subscriptions: SubscriptionsConfig{Repositories: []RepositoryConfig{{Repo: "nope"}}}}, want: "subscriptions.repositories[0]"},
		{name: "duplicate repo", cfg: Config{Subscriptions: SubscriptionsConfig{Repositories: []RepositoryConfig{{Repo: "a/b"}, {Repo: "A/B"}}}}, want: "subscriptions"},
		{name: "bad kind", cfg: Config{Subscriptions: SubscriptionsConfig{Repositories: []RepositoryConfig{{Repo: "a/b", Track: []string{"stars"}}}}}, want: "stars"},
		{name: "unknown driver", cfg: Config{Ledger: LedgerConfig{Driver: "mongo"}}, want: "ledger.driver"},
		{name: "postgres without dsn", cfg: Config{Ledger: LedgerConfig{Driver: "postgres"}}, want: "ledger.dsn"},
		{name: "file without path", cfg: Config{Ledger: LedgerConfig{Driver: "file"}}, want: "ledger.path"},
		{name: "bad duration", cfg: Config{Cycle: CycleConfig{Lookback: "soon"}}, want: "cycle.lookback"},
		{name: "bad schedule", cfg: Config{Schedule: ScheduleConfig{Cycle: "whenever"}}, want: "schedule.cycle"},
		{name: "bad cron", cfg: Config{Ledger: LedgerConfig{TrimSchedule: "cron:61 * * * *"}}, want: "ledger.trim_schedule"},
		{name: "bad timezone", cfg: Config{Schedule: ScheduleConfig{Timezone: "Mars/Base"}}, want: "schedule.timezone"},
		{name: "bad format", cfg: Config{Report: ReportConfig{Format: "pdf"}}, want: "report.format"},
		{name: "telegram without chats", cfg: Config{Notifications: NotificationsConfig{Telegram: &TelegramConfig{Enabled: true, Token: "x"}}}, want: "chat_ids"},
		{name: "slack without webhook", cfg: Config{Notifications: NotificationsConfig{Slack: &SlackConfig{Enabled: true}}}, want: "webhook_url"},
		{name: "email without recipients", cfg: Config{Notifications: NotificationsConfig{Email: &EmailConfig{Enabled: true, SMTPServer: "smtp", Username: "u"}}}, want: "recipients"},
		{name: "summary without key", cfg: Config{Summary: SummaryConfig{Enabled: true}}, want: "summary.api_key"},
		{name: "bad jitter", cfg: Config{Notifications: NotificationsConfig{Retry: RetryConfig{Jitter: ptr(2.0)}}}, want: "jitter"},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateDisabledChannelsIgnored(t *testing.T) {
	t.Parallel()
	cfg := Config{Notifications: NotificationsConfig{
		Telegram: &TelegramConfig{},
		Slack:    &SlackConfig{},
		Email:    &EmailConfig{},
		Archive:  &ArchiveConfig{},
	}}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := EnabledChannels(cfg.Notifications); len(got) != 0 {
		t.Fatalf("enabled = %v", got)
	}
}

func ptr[T any](v T) *T { return &v }

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	def := retry.Default()

	p, err := RetryConfig{}.Policy("x", def)
	if err != nil || p.MaxAttempts != def.MaxAttempts || p.Base != def.Base || p.MaxDelay != def.MaxDelay || p.Jitter != def.Jitter {
		t.Fatalf("empty config = %+v, %v", p, err)
	}

	p, err = RetryConfig{MaxAttempts: 5, Base: "1s", MaxDelay: "1m", Jitter: ptr(0.0)}.Policy("x", def)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if p.MaxAttempts != 5 || p.Base != time.Second || p.MaxDelay != time.Minute || p.Jitter != 0 {
		t.Fatalf("policy = %+v", p)
	}

	if _, err := (RetryConfig{Base: "-1s"}).Policy("x", def); err == nil {
		t.Fatal("negative base accepted")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("a", "", time.Hour); err != nil || d != time.Hour {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("a", " 90s ", time.Hour); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("a", "1 day", time.Hour); err == nil || !strings.Contains(err.Error(), "a:") {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		GitHub:        GitHubConfig{Token: "ghp_secret"},
		Ledger:        LedgerConfig{Driver: "postgres", DSN: "postgres://user:hunter2@db"},
		Summary:       SummaryConfig{Enabled: true, APIKey: "gem_secret"},
		Notifications: NotificationsConfig{Slack: &SlackConfig{Enabled: true, WebhookURL: "https://hooks.slack.test/T000/secret"}},
		Logging:       LoggingConfig{Level: "debug"},
		Subscriptions: SubscriptionsConfig{Repositories: []RepositoryConfig{{Repo: "a/b"}}},
	}

	changed, attrs, restart := SummarizeChange(oldCfg, newCfg)
	want := []string{"github", "ledger", "logging", "notifications", "subscriptions", "summary"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if wantRestart := []string{"github", "ledger", "notifications", "summary"}; !slices.Equal(restart, wantRestart) {
		t.Fatalf("restart = %v, want %v", restart, wantRestart)
	}

	var buf bytes.Buffer
	logx.New(&buf, "debug").Info("config reloaded", attrs...)
	out := buf.String()
	for _, secret := range []string{"ghp_secret", "hunter2", "gem_secret", "T000/secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q logged: %s", secret, out)
		}
	}
	if !strings.Contains(out, "github.token_set") {
		t.Fatalf("missing token_set attr: %s", out)
	}
}

func TestSummarizeChangeNoop(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	again, _ := Decode("c.yaml", []byte(sampleYAML))
	changed, _, restart := SummarizeChange(cfg, again)
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("changed = %v restart = %v", changed, restart)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerLoadAppliesEnvAndValidates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	m.getenv = func(k string) string {
		if k == EnvGitHubToken {
			return "from-env"
		}
		return ""
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GitHub.Token != "from-env" || m.Get() != cfg {
		t.Fatalf("token = %q", cfg.GitHub.Token)
	}

	writeFile(t, path, "schedule:\n  cycle: whenever\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("invalid file loaded")
	}
	if m.Get() != cfg {
		t.Fatal("failed load replaced committed config")
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	m.getenv = noEnv
	m.debounce = 100 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rejected := make(chan struct{}, 4)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			rejected <- struct{}{}
			return context.DeadlineExceeded
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, path, strings.Replace(sampleYAML, "level: info", "level: error", 1))
	select {
	case <-rejected:
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	case <-time.After(5 * time.Second):
		t.Fatal("validator never ran")
	}

	writeFile(t, path, strings.Replace(sampleYAML, "level: info", "level: debug", 1))
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
		if m.Get() != cfg {
			t.Fatal("published config not committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("expected newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed")
	}
	m.publish(a)
}
