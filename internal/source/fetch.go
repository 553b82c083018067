package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reposentinel/internal/retry"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

const (
	DefaultPerKindLimit = 10
	defaultTimeout      = 30 * time.Second
	defaultConcurrency  = 4
	defaultCooldown     = time.Minute
)

// FetcherConfig bounds the cost of one cycle's source traffic.
type FetcherConfig struct {
	PerKindLimit int
	Timeout      time.Duration // per ListEvents attempt
	Concurrency  int           // entities fetched in parallel
	Retry        retry.Policy
}

// Target is one entity to poll and the kinds tracked for it.
type Target struct {
	Entity string
	Kinds  []update.Kind
}

// EntityUpdates is the fetch result for one target.
type EntityUpdates struct {
	Entity  string
	Updates []update.Update
}

// Batch is the result of FetchAll.
type Batch struct {
	Entities []EntityUpdates
	Errors   []error
}

// Total returns the number of updates across entities.
func (b Batch) Total() int {
	n := 0
	for _, e := range b.Entities {
		n += len(e.Updates)
	}
	return n
}

// Fetcher is the fetch orchestrator. Failures are isolated per (entity, kind).
type Fetcher struct {
	client Client
	cfg    FetcherConfig
	log    logx.Logger
	now    func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
}

func NewFetcher(client Client, cfg FetcherConfig, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PerKindLimit <= 0 {
		cfg.PerKindLimit = DefaultPerKindLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	// Only transient unavailability is worth an in-cycle retry.
	cfg.Retry.Retryable = func(err error) bool { return errors.Is(err, ErrSourceUnavailable) }
	return &Fetcher{client: client, cfg: cfg, log: log, now: time.Now}
}

// Fetch queries each kind for one entity and returns the concatenated updates
// (unsorted) plus the isolated per-kind failures, which are informational only.
func (f *Fetcher) Fetch(ctx context.Context, entity string, kinds []update.Kind, since time.Time) ([]update.Update, []error) {
	var (
		out  []update.Update
		errs []error
	)
	for _, kind := range kinds {
		if ctx.Err() != nil {
			errs = append(errs, &KindError{Entity: entity, Kind: kind, Err: ctx.Err()})
			continue
		}
		ups, err := f.fetchKind(ctx, entity, kind, since)
		if err != nil {
			f.log.Warn("fetch failed; kind skipped this cycle",
				logx.String("entity", entity), logx.String("kind", string(kind)), logx.Err(err))
			errs = append(errs, &KindError{Entity: entity, Kind: kind, Err: err})
			continue
		}
		out = append(out, ups...)
	}
	return out, errs
}

func (f *Fetcher) fetchKind(ctx context.Context, entity string, kind update.Kind, since time.Time) ([]update.Update, error) {
	if until, ok := f.coolingDown(); ok {
		return nil, RateLimited(0, until, fmt.Errorf("backing off until %s", until.Format(time.RFC3339)))
	}

	var records []RawRecord
	err := f.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
		recs, err := f.client.ListEvents(cctx, entity, kind, since, f.cfg.PerKindLimit)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return Unavailable(0, err)
			}
			return err
		}
		records = recs
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSourceRateLimited) {
			f.startCooldown(err)
		}
		return nil, err
	}

	ups := make([]update.Update, 0, len(records))
	for _, rec := range records {
		u, err := Normalize(entity, kind, rec.Data)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			f.log.Warn("record dropped", logx.String("entity", entity), logx.String("kind", string(kind)), logx.Err(err))
			continue
		}
		if u.Freshness().Before(since) {
			continue
		}
		ups = append(ups, u)
		if len(ups) >= f.cfg.PerKindLimit {
			break
		}
	}
	f.log.Debug("kind fetched",
		logx.String("entity", entity), logx.String("kind", string(kind)),
		logx.Int("raw", len(records)), logx.Int("kept", len(ups)))
	return ups, nil
}

func (f *Fetcher) coolingDown() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backoffUntil.IsZero() || !f.now().Before(f.backoffUntil) {
		return time.Time{}, false
	}
	return f.backoffUntil, true
}

func (f *Fetcher) startCooldown(err error) {
	until := f.now().Add(defaultCooldown)
	var se *Error
	if errors.As(err, &se) && !se.Reset.IsZero() {
		until = se.Reset
	}
	f.mu.Lock()
	if until.After(f.backoffUntil) {
		f.backoffUntil = until
	}
	f.mu.Unlock()
	f.log.Warn("source rate limited; backing off", logx.Time("until", until))
}

// FetchAll fetches every target with bounded concurrency and waits for all of them.
func (f *Fetcher) FetchAll(ctx context.Context, targets []Target, since time.Time) Batch {
	results := make([]EntityUpdates, len(targets))
	errs := make([][]error, len(targets))

	sem := make(chan struct{}, f.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = EntityUpdates{Entity: t.Entity}
				errs[i] = []error{&KindError{Entity: t.Entity, Err: ctx.Err()}}
				return
			}
			defer func() { <-sem }()
			ups, kerrs := f.Fetch(ctx, t.Entity, t.Kinds, since)
			results[i] = EntityUpdates{Entity: t.Entity, Updates: ups}
			errs[i] = kerrs
		}(i, t)
	}
	wg.Wait()

	b := Batch{Entities: results}
	for _, e := range errs {
		b.Errors = append(b.Errors, e...)
	}
	return b
}
