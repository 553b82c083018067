// Package notify delivers rendered reports to every enabled channel
// concurrently and records a per-channel outcome.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/report"
)

// Message is one rendered report. Text is markdown and always set; HTML is a
// standalone page and only set when the report format is html.
type Message struct {
	Subject string
	Text    string
	HTML    string
	// Error marks a pipeline failure notice rather than a report.
	Error bool
}

// Channel is a notification sink.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Limited is implemented by channels with a maximum payload size in runes.
type Limited interface {
	MaxPayloadSize() int
}

// Sink is implemented by channels that keep a local copy rather than reach
// a person. A sink's success does not count as delivery while any other
// channel is configured.
type Sink interface {
	Sink() bool
}

func isSink(ch Channel) bool {
	s, ok := ch.(Sink)
	return ok && s.Sink()
}

// PartHeaderer lets a channel word its own "(Part i/n)" header.
type PartHeaderer interface {
	PartHeader(i, n int) string
}

// Class is the coarse reason a channel failed.
type Class string

const (
	ClassTimeout         Class = "timeout"
	ClassCanceled        Class = "canceled"
	ClassRejected        Class = "rejected"
	ClassRateLimited     Class = "rate_limited"
	ClassUnavailable     Class = "unavailable"
	ClassPayloadTooLarge Class = "payload_too_large"
	ClassPanic           Class = "panic"
)

// Sentinels channels wrap their failures with.
var (
	ErrRejected        = errors.New("rejected by channel")
	ErrRateLimited     = errors.New("channel rate limited")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnavailable     = errors.New("channel unavailable")
)

// ChannelError is the recorded failure of one channel in one delivery.
type ChannelError struct {
	Channel string
	Class   Class
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Class, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Classify maps an error from Send onto a Class.
func Classify(err error) Class {
	var ce *ChannelError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Class
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrPayloadTooLarge):
		return ClassPayloadTooLarge
	case errors.Is(err, ErrRejected):
		return ClassRejected
	default:
		return ClassUnavailable
	}
}

// retryable reports whether another attempt could help.
func retryable(err error) bool {
	switch Classify(err) {
	case ClassUnavailable, ClassRateLimited:
		return true
	}
	return false
}

const (
	ReportSubject = "GitHub Repository Updates"
	ErrorSubject  = "GitHub Sentinel: update check failed"
)

// ErrorMessage wraps a pipeline failure in a minimal report body.
func ErrorMessage(err error) Message {
	text := "<nil>"
	if err != nil {
		text = strings.TrimSpace(err.Error())
	}
	return Message{
		Subject: ErrorSubject,
		Text:    "# Error Report\n\nAn error occurred during the update check:\n\n" + report.CodeBlock(text),
		Error:   true,
	}
}

// Outcome is one channel's terminal result for one delivery.
type Outcome struct {
	Channel string
	OK      bool
	Class   Class
	Err     error
	Chunks  int // parts delivered
	Took    time.Duration
	Sink    bool
}

// Outcomes are in channel registration order.
type Outcomes []Outcome

// AnySucceeded reports whether the message reached someone. Sink outcomes
// only count when every channel is a sink.
func (o Outcomes) AnySucceeded() bool {
	onlySinks := true
	for _, x := range o {
		if !x.Sink {
			onlySinks = false
			break
		}
	}
	for _, x := range o {
		if x.OK && (onlySinks || !x.Sink) {
			return true
		}
	}
	return false
}

func (o Outcomes) Failed() Outcomes {
	var out Outcomes
	for _, x := range o {
		if !x.OK {
			out = append(out, x)
		}
	}
	return out
}

// Err joins the failures, or returns nil.
func (o Outcomes) Err() error {
	var errs []error
	for _, x := range o.Failed() {
		errs = append(errs, &ChannelError{Channel: x.Channel, Class: x.Class, Err: x.Err})
	}
	return errors.Join(errs...)
}
