package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reposentinel/internal/update"
)

var (
	// ErrSourceUnavailable is a transient failure: network error, 5xx,
	// malformed response. Retried within policy, otherwise next cycle.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceRateLimited means the API asked us to back off. The kind is
	// skipped for this cycle.
	ErrSourceRateLimited = errors.New("source rate limited")
	// ErrSkip marks a record that is valid but does not belong to the
	// requested kind (e.g. pull requests listed by the issues endpoint).
	ErrSkip = errors.New("record skipped")
)

// RawRecord is one undecoded event as returned by the source API.
type RawRecord struct {
	Kind update.Kind
	Data json.RawMessage
}

// Client is the source API collaborator: a bounded, newest-first list of
// events of one kind for one entity.
type Client interface {
	ListEvents(ctx context.Context, entity string, kind update.Kind, since time.Time, limit int) ([]RawRecord, error)
}

// Error classifies a source failure. errors.Is matches both the class
// sentinel and the wrapped cause.
type Error struct {
	Class  error
	Status int
	Reset  time.Time
	Err    error
}

func (e *Error) Error() string {
	msg := e.Class.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// Unavailable wraps err as ErrSourceUnavailable.
func Unavailable(status int, err error) error {
	return &Error{Class: ErrSourceUnavailable, Status: status, Err: err}
}

// RateLimited wraps err as ErrSourceRateLimited with the time the limit resets.
func RateLimited(status int, reset time.Time, err error) error {
	return &Error{Class: ErrSourceRateLimited, Status: status, Reset: reset, Err: err}
}

// NormalizationError is scoped to a single record.
type NormalizationError struct {
	Entity string
	Kind   update.Kind
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize %s %s: %s", e.Entity, e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// KindError reports a fetch failure isolated to one (entity, kind).
type KindError struct {
	Entity string
	Kind   update.Kind
	Err    error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Entity, e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }
