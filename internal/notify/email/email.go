// Package email sends reports as multipart text and HTML mail over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"reposentinel/internal/notify"
	"reposentinel/internal/report"
	"reposentinel/internal/retry"
	logx "reposentinel/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// InsecureSkipVerify disables STARTTLS certificate checks.
	InsecureSkipVerify bool
}

type sendFunc func(ctx context.Context, from string, to []string, body []byte) error

type Channel struct {
	cfg  Config
	from *mail.Address
	to   []*mail.Address
	send sendFunc
	now  func() time.Time
	log  logx.Logger
}

var _ notify.Channel = (*Channel)(nil)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email to is empty")
	}
	to := make([]*mail.Address, 0, len(cfg.To))
	for _, s := range cfg.To {
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("email to %q: %w", s, err)
		}
		to = append(to, a)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{cfg: cfg, from: from, to: to, now: time.Now, log: log}
	c.send = c.smtpSend
	return c, nil
}

func (c *Channel) Name() string { return "email" }

func (c *Channel) Send(ctx context.Context, msg notify.Message) error {
	body, err := c.build(msg)
	if err != nil {
		return retry.NoRetry(err)
	}
	rcpt := make([]string, 0, len(c.to))
	for _, a := range c.to {
		rcpt = append(rcpt, a.Address)
	}
	return c.send(ctx, c.from.Address, rcpt, body)
}

// build renders msg as multipart/alternative. A message without HTML gets one
// converted from its markdown text.
func (c *Channel) build(msg notify.Message) ([]byte, error) {
	subject := msg.Subject
	if subject == "" {
		subject = notify.ReportSubject
	}
	htmlBody := msg.HTML
	if htmlBody == "" {
		page, err := report.HTMLPage(subject, msg.Text)
		if err != nil {
			return nil, err
		}
		htmlBody = page
	}

	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{c.from})
	h.SetAddressList("To", c.to)
	h.SetSubject(subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/html", htmlBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (c *Channel) smtpSend(ctx context.Context, from string, to []string, body []byte) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: dial %s: %v", notify.ErrUnavailable, addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the SMTP conversation when ctx ends early.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cl, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classify(ctx, err)
	}
	defer cl.Close()

	if ok, _ := cl.Extension("STARTTLS"); ok {
		tc := &tls.Config{ServerName: c.cfg.Host, InsecureSkipVerify: c.cfg.InsecureSkipVerify}
		if err := cl.StartTLS(tc); err != nil {
			return classify(ctx, err)
		}
	}
	if c.cfg.Username != "" {
		if err := cl.Auth(smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)); err != nil {
			return classify(ctx, err)
		}
	}
	if err := cl.Mail(from); err != nil {
		return classify(ctx, err)
	}
	for _, r := range to {
		if err := cl.Rcpt(r); err != nil {
			return classify(ctx, err)
		}
	}
	w, err := cl.Data()
	if err != nil {
		return classify(ctx, err)
	}
	if _, err := w.Write(body); err != nil {
		return classify(ctx, err)
	}
	if err := w.Close(); err != nil {
		return classify(ctx, err)
	}
	if err := cl.Quit(); err != nil {
		c.log.Debug("smtp quit failed", logx.Err(err))
	}
	return nil
}

// classify maps SMTP reply codes. 552 means the message was too big, other
// 5xx replies are permanent and anything else is transient.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 552:
			return retry.NoRetry(fmt.Errorf("%w: smtp %v", notify.ErrPayloadTooLarge, err))
		case te.Code >= 500:
			return retry.NoRetry(fmt.Errorf("%w: smtp %v", notify.ErrRejected, err))
		}
	}
	return fmt.Errorf("%w: smtp %v", notify.ErrUnavailable, err)
}
