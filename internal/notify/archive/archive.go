// Package archive keeps a copy of every report on local disk.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reposentinel/internal/notify"
	"reposentinel/internal/retry"
	logx "reposentinel/pkg/logx"
)

type Channel struct {
	dir string
	loc *time.Location
	now func() time.Time
	log logx.Logger
}

var (
	_ notify.Channel = (*Channel)(nil)
	_ notify.Sink    = (*Channel)(nil)
)

func New(dir string, loc *time.Location, log logx.Logger) (*Channel, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("archive dir is empty")
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{dir: dir, loc: loc, now: time.Now, log: log}, nil
}

func (c *Channel) Name() string { return "archive" }

// Sink marks the archive as a local copy for the commit gate.
func (c *Channel) Sink() bool { return true }

// Send writes <dir>/<date>/<report|error>-<HHMMSS>.<md|html>. A second report
// in the same second gets a numeric suffix.
func (c *Channel) Send(ctx context.Context, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.now().In(c.loc)
	day := filepath.Join(c.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return retry.NoRetry(fmt.Errorf("%w: %v", notify.ErrRejected, err))
	}

	prefix, ext, body := "report", ".md", msg.Text
	if msg.Error {
		prefix = "error"
	}
	if msg.HTML != "" {
		ext, body = ".html", msg.HTML
	}
	base := fmt.Sprintf("%s-%s", prefix, now.Format("150405"))

	for i := 0; i < 100; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(day, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return retry.NoRetry(fmt.Errorf("%w: %v", notify.ErrRejected, err))
		}
		_, werr := f.WriteString(body)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			_ = os.Remove(path)
			return fmt.Errorf("%w: %v", notify.ErrUnavailable, err)
		}
		c.log.Debug("report archived", logx.String("path", path))
		return nil
	}
	return retry.NoRetry(fmt.Errorf("%w: too many reports at %s", notify.ErrRejected, base))
}
