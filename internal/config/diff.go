package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reposentinel/pkg/logx"
)

// liveSections are applied on reload; every other section needs a restart.
var liveSections = map[string]bool{"logging": true, "subscriptions": true}

// SummarizeChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never secrets) and (3) the changed sections that only
// take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	// GitHub (never log token)
	if !reflect.DeepEqual(oldCfg.GitHub, newCfg.GitHub) {
		g := newCfg.GitHub
		mark("github",
			logx.Bool("github.token_set", set(g.Token)),
			logx.String("github.base_url", strings.TrimSpace(g.BaseURL)),
			logx.Int("github.per_kind_limit", g.PerKindLimit),
			logx.Int("github.concurrency", g.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Subscriptions, newCfg.Subscriptions) {
		repos := make([]string, 0, len(newCfg.Subscriptions.Repositories))
		for _, r := range newCfg.Subscriptions.Repositories {
			repos = append(repos, r.Repo)
		}
		mark("subscriptions",
			logx.Int("subscriptions.count", len(repos)),
			logx.Strings("subscriptions.repositories", repos),
		)
	}

	// Ledger (never log dsn)
	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		l := newCfg.Ledger
		mark("ledger",
			logx.String("ledger.driver", strings.TrimSpace(l.Driver)),
			logx.Bool("ledger.path_set", set(l.Path)),
			logx.Bool("ledger.dsn_set", set(l.DSN)),
			logx.String("ledger.retention", strings.TrimSpace(l.Retention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		r := newCfg.Report
		mark("report",
			logx.String("report.format", strings.TrimSpace(r.Format)),
			logx.Int("report.max_items", r.MaxItems),
		)
	}

	// Notifications (never log tokens, webhook URLs or passwords)
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		n := newCfg.Notifications
		mark("notifications",
			logx.Strings("notifications.enabled", EnabledChannels(n)),
			logx.String("notifications.timeout", strings.TrimSpace(n.Timeout)),
		)
	}

	// Summary (never log api key)
	if !reflect.DeepEqual(oldCfg.Summary, newCfg.Summary) {
		s := newCfg.Summary
		mark("summary",
			logx.Bool("summary.enabled", s.Enabled),
			logx.Bool("summary.api_key_set", set(s.APIKey)),
			logx.Strings("summary.models", s.Models),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		s := newCfg.Schedule
		mark("schedule",
			logx.String("schedule.cycle", strings.TrimSpace(s.Cycle)),
			logx.String("schedule.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cycle, newCfg.Cycle) {
		mark("cycle", logx.String("cycle.lookback", strings.TrimSpace(newCfg.Cycle.Lookback)))
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logx.level", l.Level),
			logx.Bool("logx.console", l.Console),
			logx.Bool("logx.file_enabled", l.File.Enabled),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// EnabledChannels lists the notification channels switched on, in a fixed order.
func EnabledChannels(n NotificationsConfig) []string {
	var out []string
	if n.Telegram != nil && n.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if n.Slack != nil && n.Slack.Enabled {
		out = append(out, "slack")
	}
	if n.Email != nil && n.Email.Enabled {
		out = append(out, "email")
	}
	if n.Archive != nil && n.Archive.Enabled {
		out = append(out, "archive")
	}
	return out
}
