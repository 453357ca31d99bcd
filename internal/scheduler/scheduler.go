// Package scheduler fires job runs on cron schedules.
//
// A single cron goroutine owns the timer. Each schedule's run is wrapped with
// DelayIfStillRunning, so a tick that arrives while the previous run of that
// schedule is still executing waits for it instead of overlapping; runs of the
// same job from different schedules are serialised by the job service. Ticks
// missed while the scheduler is stopped are not replayed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"assetflow/internal/engine"
	"assetflow/internal/logging"
	"assetflow/internal/metrics"
)

var (
	ErrNoSchedule = errors.New("no schedule for job")
	ErrStopped    = errors.New("scheduler stopped")
)

// Submitter runs a job to completion. *job.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, jobName, partition string) (engine.RunResult, error)
}

// Schedule binds a cron expression to exactly one job.
type Schedule struct {
	job       string
	expr      string
	partition string
	spec      cron.Schedule
}

// NewSchedule validates a standard five-field cron expression. Descriptors
// such as @daily and @every 10m are accepted too.
func NewSchedule(jobName, expr, partition string) (Schedule, error) {
	jobName = strings.TrimSpace(jobName)
	expr = strings.TrimSpace(expr)
	if jobName == "" {
		return Schedule{}, fmt.Errorf("schedule: job name is required")
	}
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule for %s: invalid cron %q: %w", jobName, expr, err)
	}
	return Schedule{job: jobName, expr: expr, partition: strings.TrimSpace(partition), spec: spec}, nil
}

func (s Schedule) Job() string       { return s.job }
func (s Schedule) Cron() string      { return s.expr }
func (s Schedule) Partition() string { return s.partition }

// Next returns the first activation after t.
func (s Schedule) Next(t time.Time) time.Time { return s.spec.Next(t) }

type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Location *time.Location
}

type entry struct {
	schedule Schedule
	id       cron.EntryID
	job      cron.Job

	mu   sync.Mutex
	last *LastRun
}

// LastRun describes the most recent run fired by a schedule.
type LastRun struct {
	RunID    string    `json:"run_id,omitempty"`
	ExitCode int       `json:"exit_code"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries []*entry
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func New(submit Submitter, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	s := &Scheduler{
		submit:  submit,
		log:     opts.Logger.Named("scheduler"),
		metrics: opts.Metrics,
	}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(logging.CronLogger(opts.Logger)),
	)
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register adds a schedule. It may be called before or after Start.
func (s *Scheduler) Register(sc Schedule) error {
	if sc.spec == nil {
		return fmt.Errorf("schedule for %s was not built with NewSchedule", sc.job)
	}
	e := &entry{schedule: sc}
	cl := logging.CronLogger(s.log)
	e.job = cron.NewChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.fire(e)
	}))
	s.mu.Lock()
	defer s.mu.Unlock()
	e.id = s.cron.Schedule(sc.spec, e.job)
	s.entries = append(s.entries, e)
	s.log.Info("schedule registered", zap.String("job", sc.job), zap.String("cron", sc.expr))
	return nil
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		s.log.Debug("schedule tick dropped, scheduler stopped", zap.String("job", e.schedule.job))
		return
	}
	sc := e.schedule
	s.metrics.ScheduleFired(sc.job)
	s.log.Info("schedule fired", zap.String("job", sc.job), zap.String("partition", sc.partition))

	res, err := s.submit.Submit(logging.WithContext(ctx, s.log), sc.job, sc.partition)
	last := &LastRun{RunID: res.RunID, ExitCode: res.ExitCode(), Finished: time.Now()}
	if err != nil {
		last.ExitCode = 1
		last.Error = err.Error()
		s.log.Error("scheduled run failed to start", zap.String("job", sc.job), zap.Error(err))
	}
	e.mu.Lock()
	e.last = last
	e.mu.Unlock()
}

// Start begins firing schedules. Runs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cancel()
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("schedules", len(s.entries)))
}

// Stop halts the timer, cancels in-flight runs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if wasRunning {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger fires every schedule of jobName once, outside the timer. The run
// goes through the same wrapper as a timed tick, so it queues behind an
// in-flight run of that schedule. It fails with ErrStopped after Stop and
// before the next Start.
func (s *Scheduler) Trigger(jobName string) error {
	s.mu.Lock()
	if !s.running && s.runCtx.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: trigger %s", ErrStopped, jobName)
	}
	var targets []*entry
	for _, e := range s.entries {
		if e.schedule.job == jobName {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSchedule, jobName)
	}
	for _, e := range targets {
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			e.job.Run()
		}(e)
	}
	return nil
}

// Entry is a read-only view of a registered schedule.
type Entry struct {
	Job       string    `json:"job"`
	Cron      string    `json:"cron"`
	Partition string    `json:"partition,omitempty"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	LastRun   *LastRun  `json:"last_run,omitempty"`
}

func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		ce := s.cron.Entry(e.id)
		view := Entry{
			Job:       e.schedule.job,
			Cron:      e.schedule.expr,
			Partition: e.schedule.partition,
			Next:      ce.Next,
			Prev:      ce.Prev,
		}
		e.mu.Lock()
		if e.last != nil {
			cp := *e.last
			view.LastRun = &cp
		}
		e.mu.Unlock()
		out = append(out, view)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
