package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reposentinel/internal/retry"
	logx "reposentinel/pkg/logx"
)

const (
	defaultChannelTimeout = 60 * time.Second
	// headerReserve is subtracted from a channel limit to leave room for the
	// part header.
	headerReserve = 64
)

type FanoutConfig struct {
	Timeout time.Duration // per channel, covering every part and retry
	Retry   retry.Policy  // per part
}

// Fanout delivers one message to every channel concurrently.
type Fanout struct {
	channels []Channel
	cfg      FanoutConfig
	log      logx.Logger
}

func NewFanout(channels []Channel, cfg FanoutConfig, log logx.Logger) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultChannelTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	cfg.Retry.Retryable = retryable
	return &Fanout{channels: channels, cfg: cfg, log: log.With(logx.String("comp", "notify"))}
}

// Names lists the configured channels in order.
func (f *Fanout) Names() []string {
	out := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch.Name())
	}
	return out
}

// Deliver sends msg to every channel and returns once each one is terminal.
func (f *Fanout) Deliver(ctx context.Context, msg Message) Outcomes {
	out := make(Outcomes, len(f.channels))
	var wg sync.WaitGroup
	for i, ch := range f.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			out[i] = f.deliverOne(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()
	return out
}

// DeliverError pushes a failure notice through the same path.
func (f *Fanout) DeliverError(ctx context.Context, err error) Outcomes {
	return f.Deliver(ctx, ErrorMessage(err))
}

func (f *Fanout) deliverOne(ctx context.Context, ch Channel, msg Message) (o Outcome) {
	start := time.Now()
	name := ch.Name()
	sent := 0
	o.Channel = name
	o.Sink = isSink(ch)
	log := f.log.With(logx.String("channel", name))

	defer func() {
		if r := recover(); r != nil {
			o = Outcome{Channel: name, Class: ClassPanic, Err: fmt.Errorf("panic: %v", r), Chunks: sent, Sink: isSink(ch)}
			log.Error("channel panicked", logx.Any("panic", r))
		}
		o.Took = time.Since(start)
	}()

	cctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	parts := f.parts(ch, msg)
	for i, part := range parts {
		err := f.cfg.Retry.Do(cctx, func(c context.Context) error {
			return ch.Send(c, part)
		})
		if err != nil {
			o.Class = classifyIn(ctx, cctx, err)
			o.Err = err
			o.Chunks = sent
			log.Warn("delivery failed",
				logx.String("class", string(o.Class)), logx.Int("part", i+1), logx.Int("parts", len(parts)), logx.Err(err))
			return o
		}
		sent++
	}
	o.OK = true
	o.Chunks = sent
	log.Debug("delivered", logx.Int("parts", sent))
	return o
}

func classifyIn(parent, cctx context.Context, err error) Class {
	switch {
	case parent.Err() != nil:
		return ClassCanceled
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return ClassTimeout
	}
	return Classify(err)
}

// parts splits msg for channels that declare a payload limit. A message that
// fits is sent unchanged.
func (f *Fanout) parts(ch Channel, msg Message) []Message {
	lim, ok := ch.(Limited)
	if !ok || lim.MaxPayloadSize() <= 0 {
		return []Message{msg}
	}
	limit := lim.MaxPayloadSize()
	if len([]rune(msg.Text)) <= limit {
		return []Message{msg}
	}
	body := max(limit-headerReserve, 1)
	chunks := fit(msg.Text, body)
	n := len(chunks)
	out := make([]Message, 0, n)
	for i, c := range chunks {
		header := fmt.Sprintf("(Part %d/%d)\n", i+1, n)
		if ph, ok := ch.(PartHeaderer); ok {
			header = ph.PartHeader(i+1, n)
		}
		out = append(out, Message{
			Subject: fmt.Sprintf("%s (%d/%d)", msg.Subject, i+1, n),
			Text:    header + c,
			Error:   msg.Error,
		})
	}
	return out
}
