// Package slack posts reports to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reposentinel/internal/notify"
	"reposentinel/internal/retry"
	logx "reposentinel/pkg/logx"
)

// textLimit keeps each post well inside Slack's message size guidance.
const textLimit = 3000

type Config struct {
	WebhookURL string
	// Channel overrides the webhook's default channel when set.
	Channel    string
	HTTPClient *http.Client
}

type payload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

type Channel struct {
	url     string
	channel string
	http *http.Client
	log  logx.Logger
}

var (
	_ notify.Channel      = (*Channel)(nil)
	_ notify.Limited      = (*Channel)(nil)
	_ notify.PartHeaderer = (*Channel)(nil)
)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	u := strings.TrimSpace(cfg.WebhookURL)
	if u == "" {
		return nil, errors.New("slack webhook_url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Channel{url: u, channel: strings.TrimSpace(cfg.Channel), http: hc, log: log}, nil
}

func (c *Channel) Name() string        { return "slack" }
func (c *Channel) MaxPayloadSize() int { return textLimit }

func (c *Channel) PartHeader(i, n int) string {
	return fmt.Sprintf("GitHub Updates Report (Part %d/%d):\n", i, n)
}

func (c *Channel) Send(ctx context.Context, msg notify.Message) error {
	body, err := json.Marshal(payload{Text: msg.Text, Channel: c.channel})
	if err != nil {
		return retry.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return retry.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", notify.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	detail := strings.TrimSpace(string(reply))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("%w: slack %d %s", notify.ErrRateLimited, resp.StatusCode, detail)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode == http.StatusRequestEntityTooLarge || detail == "msg_too_long":
		return retry.NoRetry(fmt.Errorf("%w: slack %d %s", notify.ErrPayloadTooLarge, resp.StatusCode, detail))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: slack %d %s", notify.ErrUnavailable, resp.StatusCode, detail)
	default:
		return retry.NoRetry(fmt.Errorf("%w: slack %d %s", notify.ErrRejected, resp.StatusCode, detail))
	}
}
