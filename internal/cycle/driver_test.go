package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reposentinel/internal/eventbus"
	"reposentinel/internal/ledger"
	"reposentinel/internal/notify"
	"reposentinel/internal/notify/archive"
	"reposentinel/internal/report"
	"reposentinel/internal/retry"
	"reposentinel/internal/source"
	"reposentinel/internal/subscription"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func issue(entity, id string) update.Update {
	return update.Update{
		Entity: entity, Kind: update.KindIssue, ID: id, Title: "issue " + id, Author: "ada",
		URL: "https://github.com/" + entity + "/issues/" + id, CreatedAt: t0.Add(-time.Hour),
		Payload: update.IssuePayload{State: "open"},
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	updates map[string][]update.Update
	sinces  []time.Time
	started chan struct{}
	block   chan struct{}
}

func (f *fakeFetcher) FetchAll(ctx context.Context, targets []source.Target, since time.Time) source.Batch {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	var b source.Batch
	for _, t := range targets {
		b.Entities = append(b.Entities, source.EntityUpdates{Entity: t.Entity, Updates: f.updates[t.Entity]})
	}
	return b
}

type fakeNotifier struct {
	mu      sync.Mutex
	deliver func(ctx context.Context, msg notify.Message) notify.Outcomes
	msgs    []notify.Message
	errs    []error

	// errCtxDone is set when an error notice arrives on a finished context.
	errCtxDone bool
}

func (n *fakeNotifier) Deliver(ctx context.Context, msg notify.Message) notify.Outcomes {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	if n.deliver != nil {
		return n.deliver(ctx, msg)
	}
	return notify.Outcomes{{Channel: "a", OK: true, Chunks: 1}}
}

func (n *fakeNotifier) DeliverError(ctx context.Context, err error) notify.Outcomes {
	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.errCtxDone = n.errCtxDone || ctx.Err() != nil
	n.mu.Unlock()
	return notify.Outcomes{{Channel: "a", OK: true, Chunks: 1}}
}

type flakyLedger struct {
	ledger.Ledger
	filterErr   error
	commitFails int // -1 fails forever
	commits     atomic.Int32
}

func (l *flakyLedger) FilterNew(ctx context.Context, entity string, ups []update.Update) ([]update.Update, error) {
	if l.filterErr != nil {
		return nil, l.filterErr
	}
	return l.Ledger.FilterNew(ctx, entity, ups)
}

func (l *flakyLedger) Commit(ctx context.Context, entity string, ups []update.Update) error {
	n := int(l.commits.Add(1))
	if l.commitFails < 0 || n <= l.commitFails {
		return &ledger.Error{Op: ledger.OpWrite, Backend: "fake", Err: errors.New("disk full")}
	}
	return l.Ledger.Commit(ctx, entity, ups)
}

type harness struct {
	d      *Driver
	fetch  *fakeFetcher
	notify *fakeNotifier
	ledger *flakyLedger
	bus    eventbus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	subs, err := subscription.NewStore([]subscription.Subscription{
		{Entity: "o/a", Kinds: []update.Kind{update.KindIssue}},
		{Entity: "o/b", Kinds: []update.Kind{update.KindIssue}},
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h := &harness{
		fetch: &fakeFetcher{updates: map[string][]update.Update{
			"o/a": {issue("o/a", "1"), issue("o/a", "2")},
			"o/b": {issue("o/b", "1")},
		}},
		notify: &fakeNotifier{},
		ledger: &flakyLedger{Ledger: ledger.NewMemory()},
		bus:    eventbus.New(),
	}
	if cfg.CommitRetry.MaxAttempts == 0 {
		cfg.CommitRetry = retry.Policy{MaxAttempts: 2, Base: time.Millisecond, MaxDelay: time.Millisecond}
	}
	d, err := New(cfg, Deps{
		Subscriptions: subs,
		Fetcher:       h.fetch,
		Ledger:        h.ledger,
		Assembler:     report.NewAssembler(report.Config{}),
		Notifier:      h.notify,
		Bus:           h.bus,
		Log:           logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.now = func() time.Time { return t0 }
	h.d = d
	return h
}

func TestCycleDeliversThenDedups(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.New != 3 || !res.Committed || res.State != Idle || res.ID == "" {
		t.Fatalf("first cycle = %+v", res)
	}
	if !strings.Contains(h.notify.msgs[0].Text, "issue 2") {
		t.Fatalf("report missing update: %q", h.notify.msgs[0].Text)
	}
	if !h.d.LastSuccess().Equal(t0) || h.d.State() != Idle {
		t.Fatalf("last success = %v, state = %v", h.d.LastSuccess(), h.d.State())
	}

	res, err = h.d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if res.New != 0 || res.Fetched != 3 {
		t.Fatalf("second cycle = %+v", res)
	}
	if len(h.notify.msgs) != 2 {
		t.Fatalf("empty report should still be delivered, got %d messages", len(h.notify.msgs))
	}
	if len(h.notify.errs) != 0 {
		t.Fatalf("unexpected error notices: %v", h.notify.errs)
	}
}

func TestCycleWithoutSuccessfulChannelDoesNotCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.notify.deliver = func(context.Context, notify.Message) notify.Outcomes {
		return notify.Outcomes{{Channel: "a", Class: notify.ClassUnavailable, Err: notify.ErrUnavailable}}
	}
	res, err := h.d.RunCycle(context.Background())
	if !errors.Is(err, ErrNoDelivery) || res.Committed || res.State != Failed || res.FailedIn != Delivering {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(h.notify.errs) != 1 {
		t.Fatalf("error notices = %d", len(h.notify.errs))
	}
	if h.ledger.commits.Load() != 0 {
		t.Fatal("ledger written without delivery")
	}

	h.notify.deliver = nil
	res, err = h.d.RunCycle(context.Background())
	if err != nil || res.New != 3 {
		t.Fatalf("retry cycle = %+v, err = %v", res, err)
	}
}

func TestCyclePartialSuccessCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.notify.deliver = func(context.Context, notify.Message) notify.Outcomes {
		return notify.Outcomes{
			{Channel: "a", Class: notify.ClassRejected, Err: notify.ErrRejected},
			{Channel: "b", OK: true},
		}
	}
	failed, unsub := h.bus.Subscribe(8)
	defer unsub()

	res, err := h.d.RunCycle(context.Background())
	if err != nil || !res.Committed {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	got := 0
	for len(failed) > 0 {
		if e := <-failed; e.Type == eventbus.ChannelFailed && e.Data.(eventbus.Channel).Name == "a" {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("channel.failed events = %d", got)
	}
}

func TestCycleLedgerReadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.filterErr = &ledger.Error{Op: ledger.OpRead, Backend: "fake", Err: errors.New("locked")}

	res, err := h.d.RunCycle(context.Background())
	if !ledger.IsRead(err) || res.State != Failed || res.FailedIn != Deduping {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(h.notify.msgs) != 0 {
		t.Fatal("report delivered despite ledger read failure")
	}
	if len(h.notify.errs) != 1 || !strings.Contains(h.notify.errs[0].Error(), "locked") {
		t.Fatalf("error notices = %v", h.notify.errs)
	}
	if !h.d.LastSuccess().IsZero() {
		t.Fatal("failed cycle recorded as success")
	}
}

func TestCycleRetriesLedgerWrite(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.commitFails = 1

	res, err := h.d.RunCycle(context.Background())
	if err != nil || !res.Committed {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	// o/a fails once then succeeds, o/b succeeds first time.
	if n := h.ledger.commits.Load(); n != 3 {
		t.Fatalf("commit calls = %d, want 3", n)
	}
}

func TestCycleLedgerWriteFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{CommitRetry: retry.Policy{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond}})
	h.ledger.commitFails = -1

	res, err := h.d.RunCycle(context.Background())
	if err == nil || res.Committed || res.FailedIn != Committing {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if n := h.ledger.commits.Load(); n != 2 {
		t.Fatalf("commit attempts = %d, want at least two", n)
	}
	if len(h.notify.errs) != 1 {
		t.Fatalf("error notices = %d", len(h.notify.errs))
	}
}

func TestCycleCanceledDuringDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.notify.deliver = func(context.Context, notify.Message) notify.Outcomes {
		cancel()
		return notify.Outcomes{{Channel: "a", OK: true}}
	}

	res, err := h.d.RunCycle(ctx)
	if !errors.Is(err, ErrCanceledInDelivery) || res.Committed {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if h.ledger.commits.Load() != 0 {
		t.Fatal("commit after canceled delivery")
	}
	if len(h.notify.errs) != 0 {
		t.Fatalf("error notice sent on shutdown: %v", h.notify.errs)
	}
}

func TestCycleTimeoutStillSendsErrorNotice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ErrorTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.notify.deliver = func(ctx context.Context, _ notify.Message) notify.Outcomes {
		<-ctx.Done()
		return notify.Outcomes{{Channel: "a", Class: notify.ClassTimeout, Err: ctx.Err()}}
	}

	res, err := h.d.RunCycle(ctx)
	if !errors.Is(err, ErrCanceledInDelivery) || res.Committed || res.FailedIn != Delivering {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(h.notify.errs) != 1 {
		t.Fatalf("error notices = %d, want 1", len(h.notify.errs))
	}
	if h.notify.errCtxDone {
		t.Fatal("error notice got an expired context")
	}
}

type downChannel struct{}

func (downChannel) Name() string { return "slack" }
func (downChannel) Send(context.Context, notify.Message) error {
	return retry.NoRetry(fmt.Errorf("%w: 503", notify.ErrUnavailable))
}

func TestCycleArchiveAloneDoesNotCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	arch, err := archive.New(t.TempDir(), time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	fan := notify.NewFanout([]notify.Channel{arch, downChannel{}},
		notify.FanoutConfig{Retry: retry.Policy{MaxAttempts: 1}}, logx.Nop())
	h.notify.deliver = fan.Deliver

	res, err := h.d.RunCycle(context.Background())
	if !errors.Is(err, ErrNoDelivery) || res.Committed {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(res.Outcomes) != 2 || !res.Outcomes[0].OK || res.Outcomes[1].OK {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if h.ledger.commits.Load() != 0 {
		t.Fatal("committed with only the archive delivered")
	}
}

func TestCycleBusySkipsTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.started = make(chan struct{}, 1)
	h.fetch.block = make(chan struct{})
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	done := make(chan error, 1)
	go func() {
		_, err := h.d.RunCycle(context.Background())
		done <- err
	}()
	<-h.fetch.started
	if h.d.State() != Fetching {
		t.Fatalf("state = %v", h.d.State())
	}

	if _, err := h.d.RunCycle(context.Background()); !errors.Is(err, ErrCycleBusy) {
		t.Fatalf("err = %v, want ErrCycleBusy", err)
	}
	close(h.fetch.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(h.fetch.sinces) != 1 {
		t.Fatalf("busy tick was queued: %d fetches", len(h.fetch.sinces))
	}

	skipped := false
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.CycleSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Fatal("no cycle.skipped event")
	}
}

func TestCycleWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Lookback: time.Hour})
	ctx := context.Background()

	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := h.fetch.sinces[0]; !got.Equal(t0.Add(-time.Hour)) {
		t.Fatalf("first since = %v", got)
	}

	// Three hours later the last success is older than the lookback.
	h.d.now = func() time.Time { return t0.Add(3 * time.Hour) }
	if _, err := h.d.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := h.fetch.sinces[1]; !got.Equal(t0) {
		t.Fatalf("second since = %v, want last success %v", got, t0)
	}
}

type fixedSummary string

func (s fixedSummary) Summarize(context.Context, string) (string, error) { return string(s), nil }

func TestCycleSummarizesHTMLReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.d.deps.Assembler = report.NewAssembler(report.Config{Format: report.FormatHTML})
	h.d.deps.Summarizer = fixedSummary("**three issues opened**")

	res, err := h.d.RunCycle(context.Background())
	if err != nil || !res.Summarized {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	msg := h.notify.msgs[0]
	if msg.Text != "**three issues opened**" {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, "<strong>three issues opened</strong>") {
		t.Fatalf("html not regenerated: %q", msg.HTML)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error")
	}
}
