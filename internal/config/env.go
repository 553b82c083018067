package config

import "strings"

// Environment variables that supply secrets.
const (
	EnvGitHubToken   = "GITHUB_TOKEN"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvSlackWebhook  = "SLACK_WEBHOOK_URL"
	EnvSMTPPassword  = "SMTP_PASSWORD"
	EnvGeminiAPIKey  = "GEMINI_API_KEY"
	EnvPostgresDSN   = "SENTINEL_POSTGRES_DSN"
)

// ApplyEnv fills secrets the file leaves empty. Values set in the file win.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}

	fill(&cfg.GitHub.Token, EnvGitHubToken)
	fill(&cfg.Summary.APIKey, EnvGeminiAPIKey)
	if strings.EqualFold(strings.TrimSpace(cfg.Ledger.Driver), "postgres") {
		fill(&cfg.Ledger.DSN, EnvPostgresDSN)
	}
	n := &cfg.Notifications
	if n.Telegram != nil {
		fill(&n.Telegram.Token, EnvTelegramToken)
	}
	if n.Slack != nil {
		fill(&n.Slack.WebhookURL, EnvSlackWebhook)
	}
	if n.Email != nil {
		fill(&n.Email.Password, EnvSMTPPassword)
	}
}
