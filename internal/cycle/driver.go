// Package cycle runs one poll-report-deliver-commit pass at a time.
//
// A cycle moves Idle → Fetching → Deduping → Assembling → Delivering →
// Committing → Idle, or ends in Failed. Updates are committed to the ledger
// only after at least one channel accepted the report, so a cycle that
// delivers nowhere is retried in full on the next tick.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reposentinel/internal/eventbus"
	"reposentinel/internal/ledger"
	"reposentinel/internal/notify"
	"reposentinel/internal/report"
	"reposentinel/internal/retry"
	"reposentinel/internal/source"
	"reposentinel/internal/subscription"
	"reposentinel/internal/summarize"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

var (
	// ErrCycleBusy is returned when a tick arrives while a cycle runs. The
	// tick is dropped, not queued.
	ErrCycleBusy = errors.New("cycle already running")

	ErrNoDelivery         = errors.New("no channel accepted the report")
	ErrCanceledInDelivery = errors.New("cycle canceled during delivery")
)

type State int32

const (
	Idle State = iota
	Fetching
	Deduping
	Assembling
	Delivering
	Committing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Deduping:
		return "deduping"
	case Assembling:
		return "assembling"
	case Delivering:
		return "delivering"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultLookback      = 24 * time.Hour
	defaultCommitTimeout = 30 * time.Second
	defaultErrorTimeout  = 30 * time.Second
	defaultSummaryTime   = 60 * time.Second
)

type Config struct {
	// Lookback is the minimum window a cycle covers.
	Lookback time.Duration
	// CommitRetry is applied to each ledger write; at least two attempts
	// are always made.
	CommitRetry    retry.Policy
	CommitTimeout  time.Duration
	SummaryTimeout time.Duration
	// ErrorTimeout bounds the failure notice sent after a failed cycle.
	ErrorTimeout time.Duration
}

// Fetcher is satisfied by *source.Fetcher.
type Fetcher interface {
	FetchAll(ctx context.Context, targets []source.Target, since time.Time) source.Batch
}

// Notifier is satisfied by *notify.Fanout.
type Notifier interface {
	Deliver(ctx context.Context, msg notify.Message) notify.Outcomes
	DeliverError(ctx context.Context, err error) notify.Outcomes
}

type Deps struct {
	Subscriptions subscription.Lister
	Fetcher       Fetcher
	Ledger        ledger.Ledger
	Assembler     *report.Assembler
	Notifier      Notifier
	// Summarizer is optional.
	Summarizer summarize.Summarizer
	Bus        eventbus.Bus
	Log        logx.Logger
}

// Result describes one finished cycle.
type Result struct {
	ID          string
	Started     time.Time
	Finished    time.Time
	Window      report.Window
	State       State // Idle on success, Failed otherwise
	FailedIn    State // stage that failed
	Entities    int
	Fetched     int
	New         int
	FetchErrors []error
	Outcomes    notify.Outcomes
	Summarized  bool
	Committed   bool
	Err         error
}

func (r Result) OK() bool { return r.Err == nil }

type Driver struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	running sync.Mutex
	state   atomic.Int32

	mu          sync.Mutex
	lastSuccess time.Time
	last        *Result

	now   func() time.Time
	newID func() string
}

func New(cfg Config, deps Deps) (*Driver, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("cycle: subscriptions required")
	case deps.Fetcher == nil:
		return nil, errors.New("cycle: fetcher required")
	case deps.Ledger == nil:
		return nil, errors.New("cycle: ledger required")
	case deps.Assembler == nil:
		return nil, errors.New("cycle: assembler required")
	case deps.Notifier == nil:
		return nil, errors.New("cycle: notifier required")
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.CommitRetry.MaxAttempts <= 0 {
		cfg.CommitRetry = retry.Default()
	}
	cfg.CommitRetry = cfg.CommitRetry.WithAttempts(2)
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = defaultSummaryTime
	}
	if cfg.ErrorTimeout <= 0 {
		cfg.ErrorTimeout = defaultErrorTimeout
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Driver{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(logx.String("comp", "cycle")),
		bus:   bus,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// State is the stage of the running cycle, or Idle.
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

// LastSuccess is the start time of the last cycle that committed, or zero.
func (d *Driver) LastSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSuccess
}

// Last returns the most recent finished cycle.
func (d *Driver) Last() (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Result{}, false
	}
	return *d.last, true
}

// window returns [min(last success, now-lookback), now].
func (d *Driver) window(now time.Time) report.Window {
	since := now.Add(-d.cfg.Lookback)
	if ls := d.LastSuccess(); !ls.IsZero() && ls.Before(since) {
		since = ls
	}
	return report.Window{Since: since, Until: now}
}

// RunCycle runs one cycle. It returns ErrCycleBusy without doing anything if
// another cycle is in progress. Any failure is also reported through the
// notifier's error path.
func (d *Driver) RunCycle(ctx context.Context) (Result, error) {
	if !d.running.TryLock() {
		d.log.Info("cycle skipped, previous cycle still running", logx.String("state", d.State().String()))
		d.bus.Publish(eventbus.Event{Type: eventbus.CycleSkipped, Data: eventbus.Cycle{State: d.State().String()}})
		return Result{}, ErrCycleBusy
	}
	defer d.running.Unlock()
	defer d.setState(Idle)

	start := d.now()
	res := Result{ID: d.newID(), Started: start, Window: d.window(start)}
	log := d.log.With(logx.String("cycle", res.ID))
	log.Info("cycle started", logx.Time("since", res.Window.Since))
	d.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: eventbus.Cycle{ID: res.ID, State: Fetching.String()}})

	err := d.run(ctx, &res, log)
	res.Finished = d.now()
	took := res.Finished.Sub(start)

	if err != nil {
		res.Err = err
		res.FailedIn = d.State()
		res.State = Failed
		d.setState(Failed)
		log.Error("cycle failed",
			logx.String("stage", res.FailedIn.String()), logx.Duration("took", took), logx.Err(err))
		d.notifyFailure(ctx, res.ID, err, log)
		d.bus.Publish(eventbus.Event{Type: eventbus.CycleFailed, Data: eventbus.Cycle{
			ID: res.ID, State: res.FailedIn.String(), New: res.New, Channels: len(res.Outcomes),
			OK: countOK(res.Outcomes), Err: err.Error(), Took: took,
		}})
		d.record(res)
		return res, err
	}

	res.State = Idle
	d.mu.Lock()
	d.lastSuccess = start
	d.mu.Unlock()
	d.record(res)
	log.Info("cycle done",
		logx.Int("new", res.New), logx.Int("fetched", res.Fetched), logx.Int("fetch_errors", len(res.FetchErrors)),
		logx.Int("delivered", countOK(res.Outcomes)), logx.Duration("took", took))
	return res, nil
}

func (d *Driver) record(res Result) {
	d.mu.Lock()
	d.last = &res
	d.mu.Unlock()
}

func (d *Driver) run(ctx context.Context, res *Result, log logx.Logger) error {
	// Fetching
	d.setState(Fetching)
	subs, err := d.deps.Subscriptions.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	targets := make([]source.Target, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, source.Target{Entity: s.Entity, Kinds: s.Kinds})
	}
	res.Entities = len(targets)
	batch := d.deps.Fetcher.FetchAll(ctx, targets, res.Window.Since)
	res.Fetched = batch.Total()
	res.FetchErrors = batch.Errors
	if err := ctx.Err(); err != nil {
		return err
	}

	// Deduping
	d.setState(Deduping)
	fresh := make([]source.EntityUpdates, 0, len(batch.Entities))
	var all []update.Update
	for _, e := range batch.Entities {
		if len(e.Updates) == 0 {
			continue
		}
		ups, err := d.deps.Ledger.FilterNew(ctx, e.Entity, e.Updates)
		if err != nil {
			// Nothing is treated as new when the ledger cannot be read.
			return fmt.Errorf("dedup %s: %w", e.Entity, err)
		}
		if len(ups) > 0 {
			fresh = append(fresh, source.EntityUpdates{Entity: e.Entity, Updates: ups})
			all = append(all, ups...)
		}
	}
	res.New = len(all)
	log.Debug("dedup done", logx.Int("fetched", res.Fetched), logx.Int("new", res.New))

	// Assembling
	d.setState(Assembling)
	msg, summarized, err := d.compose(ctx, all, res.Window, log)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	res.Summarized = summarized
	if err := ctx.Err(); err != nil {
		return err
	}

	// Delivering
	d.setState(Delivering)
	res.Outcomes = d.deps.Notifier.Deliver(ctx, msg)
	for _, o := range res.Outcomes.Failed() {
		d.bus.Publish(eventbus.Event{Type: eventbus.ChannelFailed, Data: eventbus.Channel{
			CycleID: res.ID, Name: o.Channel, Class: string(o.Class), Err: errString(o.Err),
		}})
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCanceledInDelivery, ctx.Err())
	}
	if !res.Outcomes.AnySucceeded() {
		return errors.Join(ErrNoDelivery, res.Outcomes.Err())
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.CycleDelivered, Data: eventbus.Cycle{
		ID: res.ID, State: Delivering.String(), New: res.New, Channels: len(res.Outcomes), OK: countOK(res.Outcomes),
	}})

	// Committing
	d.setState(Committing)
	if err := d.commit(ctx, fresh); err != nil {
		return err
	}
	res.Committed = true
	d.bus.Publish(eventbus.Event{Type: eventbus.CycleCommitted, Data: eventbus.Cycle{ID: res.ID, State: Committing.String(), New: res.New}})
	return nil
}

// compose renders the report. The markdown text is always set; HTML only
// when the assembler renders html.
func (d *Driver) compose(ctx context.Context, all []update.Update, w report.Window, log logx.Logger) (notify.Message, bool, error) {
	a := d.deps.Assembler
	rep := a.Assemble(all, w)
	msg := notify.Message{Subject: rep.Title, Text: a.RenderMarkdown(rep)}
	if a.Format() == report.FormatHTML {
		page, err := a.RenderHTML(rep)
		if err != nil {
			return notify.Message{}, false, err
		}
		msg.HTML = page
	}
	if d.deps.Summarizer == nil || rep.Empty() {
		return msg, false, nil
	}

	text, ok := summarize.Apply(ctx, d.deps.Summarizer, msg.Text, d.cfg.SummaryTimeout, log)
	if !ok {
		return msg, false, nil
	}
	msg.Text = text
	if msg.HTML != "" {
		page, err := report.HTMLPage(rep.Title, text)
		if err != nil {
			log.Warn("summary html failed; channels convert the text", logx.Err(err))
			page = ""
		}
		msg.HTML = page
	}
	return msg, true, nil
}

// commit persists every delivered update. It runs detached from ctx so a
// stop that arrives after delivery does not lose the commit.
func (d *Driver) commit(ctx context.Context, fresh []source.EntityUpdates) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CommitTimeout)
	defer cancel()
	for _, e := range fresh {
		err := d.cfg.CommitRetry.Do(cctx, func(c context.Context) error {
			return d.deps.Ledger.Commit(c, e.Entity, e.Updates)
		})
		if err != nil {
			return fmt.Errorf("commit %s: %w", e.Entity, err)
		}
	}
	return nil
}

func (d *Driver) notifyFailure(ctx context.Context, id string, err error, log logx.Logger) {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Shutting down; channels would only see a canceled context.
		log.Info("failure notice not sent, cycle was canceled")
		return
	}
	// A cycle that ran out of time still reports, on a budget of its own.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ErrorTimeout)
	defer cancel()
	out := d.deps.Notifier.DeliverError(nctx, fmt.Errorf("cycle %s: %w", id, err))
	if !out.AnySucceeded() && len(out) > 0 {
		log.Warn("failure notice not delivered", logx.Err(out.Err()))
	}
}

func countOK(o notify.Outcomes) int {
	n := 0
	for _, x := range o {
		if x.OK {
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
