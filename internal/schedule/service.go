// Package schedule triggers recurring jobs with robfig/cron. A job that is
// still running when its next tick arrives skips that tick.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reposentinel/pkg/logx"
)

type Config struct {
	Timezone string
	// OnSkip is called with the job name when a tick is dropped because the
	// previous run is still active.
	OnSkip func(job string)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job runs under the scheduler's context, bounded by its timeout.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	run     Job
	job     cron.Job // run wrapped in the recover and skip chain
	id      cron.EntryID
}

// Service owns one cron instance.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	entries []*entry
	stopped bool
	manual  sync.WaitGroup // RunNow calls in flight
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "schedule")),
		ctx: context.Background(),
	}
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{log: s.log}))
	return s
}

// Validate parses raw and checks the resulting cron expression.
func Validate(raw string) (Spec, error) {
	spec, err := Parse(raw)
	if err != nil {
		return Spec{}, err
	}
	if _, err := cronParser.Parse(spec.Expr()); err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return spec, nil
}

// Add registers job under name. Ticks that arrive while the previous run of
// the same job is still active are dropped.
func (s *Service) Add(name, raw string, timeout time.Duration, job Job) (Spec, error) {
	if job == nil {
		return Spec{}, errors.New("schedule: nil job")
	}
	spec, err := Validate(raw)
	if err != nil {
		return Spec{}, err
	}
	e := &entry{name: name, spec: spec, timeout: timeout, run: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addLocked(e); err != nil {
		return Spec{}, err
	}
	s.entries = append(s.entries, e)
	s.log.Debug("job registered", logx.String("job", name), logx.String("schedule", spec.String()))
	return spec, nil
}

func (s *Service) addLocked(e *entry) error {
	cl := cronLogger{log: s.log.With(logx.String("job", e.name)), job: e.name, onSkip: s.cfg.OnSkip}
	e.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.exec(e)
	}))
	id, err := s.c.AddJob(e.spec.Expr(), e.job)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// RunNow triggers the named job once, outside its schedule. The run shares
// the job's timeout and overlap guard, and Stop waits for it.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("schedule: stopped")
	}
	for _, e := range s.entries {
		if e.name == name {
			s.manual.Add(1)
			go func() {
				defer s.manual.Done()
				e.job.Run()
			}()
			return nil
		}
	}
	return fmt.Errorf("schedule: unknown job %q", name)
}

func (s *Service) exec(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := e.run(ctx); err != nil {
		s.log.Warn("job failed", logx.String("job", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job", e.name), logx.Duration("took", time.Since(start)))
}

// Start begins triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	c := s.c
	n := len(s.entries)
	s.mu.Unlock()
	c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", n))
}

// Stop stops triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.stopped = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.manual.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out with jobs still running")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// NextRun is the upcoming fire time of the named job.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			next := s.c.Entry(e.id).Next
			return next, !next.IsZero()
		}
	}
	return time.Time{}, false
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log    logx.Logger
	job    string
	onSkip func(job string)
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if msg == "skip" {
		l.log.Info("tick skipped, previous run still active", kvFields(kv)...)
		if l.onSkip != nil {
			l.onSkip(l.job)
		}
		return
	}
	l.log.Debug("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
