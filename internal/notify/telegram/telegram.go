// Package telegram sends reports to Telegram chats through telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"reposentinel/internal/notify"
	"reposentinel/internal/retry"
	logx "reposentinel/pkg/logx"
)

// textLimit stays under Telegram's 4096-character message cap.
const textLimit = 4000

type Config struct {
	Token          string
	ChatIDs        []int64
	ThreadID       int
	DisablePreview bool
	RatePerSec     float64
	Timeout        time.Duration // HTTP client timeout
}

// sender is the slice of *tele.Bot this channel uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Channel delivers to one chat. Chats sharing a bot share its limiter.
type Channel struct {
	chatID   int64
	threadID int
	preview  bool
	bot      sender
	limiter  *rate.Limiter
	log      logx.Logger
}

var (
	_ notify.Channel = (*Channel)(nil)
	_ notify.Limited = (*Channel)(nil)
)

// New builds one channel per configured chat.
func New(cfg Config, log logx.Logger) ([]*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, b, log), nil
}

func newWithSender(cfg Config, s sender, log logx.Logger) []*Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	lim := rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	out := make([]*Channel, 0, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		out = append(out, &Channel{
			chatID:   id,
			threadID: cfg.ThreadID,
			preview:  !cfg.DisablePreview,
			bot:      s,
			limiter:  lim,
			log:      log,
		})
	}
	return out
}

func (c *Channel) Name() string        { return fmt.Sprintf("telegram:%d", c.chatID) }
func (c *Channel) MaxPayloadSize() int { return textLimit }

// Send posts msg.Text as plain text.
func (c *Channel) Send(ctx context.Context, msg notify.Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := c.sendOne(ctx, msg.Text)
	if err != nil {
		c.log.Debug("telegram send failed", logx.Int64("chat_id", c.chatID), logx.Err(err))
	}
	return err
}

func (c *Channel) sendOne(ctx context.Context, text string) error {
	opts := &tele.SendOptions{
		DisableWebPagePreview: !c.preview,
		ThreadID:              c.threadID,
	}
	// telebot has no context support; the HTTP client timeout bounds the call.
	done := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(&tele.Chat{ID: c.chatID}, text, opts)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classify(err)
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retry.After(fmt.Errorf("%w: flood control, retry after %ds", notify.ErrRateLimited, flood.RetryAfter),
			time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusRequestEntityTooLarge:
			return retry.NoRetry(fmt.Errorf("%w: %v", notify.ErrPayloadTooLarge, err))
		case te.Code >= 400 && te.Code < 500:
			return retry.NoRetry(fmt.Errorf("%w: %v", notify.ErrRejected, err))
		}
	}
	return fmt.Errorf("%w: %v", notify.ErrUnavailable, err)
}
