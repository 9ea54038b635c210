// Package schedule runs configured snapdump jobs on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/snapdump/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned when triggering a job that was never added.
var ErrUnknownJob = errors.New("unknown scheduled job")

// parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse checks a cron expression.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return sched, nil
}

// Job is one scheduled unit of work.
type Job struct {
	Name string
	// Kind labels the job in metrics (backup, snapshot, clone, prune).
	Kind string
	Spec string
	Run  func(ctx context.Context) error
}

// Options configures a Scheduler.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.PrometheusMetrics
	// MetricsFile, when set, is rewritten after every run.
	MetricsFile string
	// Now is used for timing runs. Nil means time.Now.
	Now func() time.Time
}

// Scheduler runs jobs on their cron schedules, one at a time.
type Scheduler struct {
	cron    *cron.Cron
	opts    Options
	logger  zerolog.Logger
	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	running bool
	ctx     context.Context

	// runMu serializes job runs so two jobs never touch the same pools at
	// once.
	runMu sync.Mutex
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "scheduler").Logger(),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already scheduled", job.Name)
	}
	sched, err := Parse(job.Spec)
	if err != nil {
		return err
	}

	j := job
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.execute(s.runContext(), j)
	}))
	s.jobs[job.Name] = job
	s.entries[job.Name] = entryID

	s.logger.Debug().
		Str("job", job.Name).
		Str("kind", job.Kind).
		Str("cron_expression", job.Spec).
		Msg("added schedule")
	return nil
}

// Start begins running jobs. Runs started by the scheduler use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.ctx = ctx
	s.cron.Start()

	s.logger.Info().Int("active_schedules", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop stops scheduling new runs. The returned context is done once any
// run in progress has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// Trigger runs the named job now, waiting for it to finish.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return s.execute(ctx, job)
}

// Active returns the number of scheduled jobs.
func (s *Scheduler) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NextRun returns when the named job runs next. It is only known once the
// scheduler has started.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryID, exists := s.entries[name]
	if !exists {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// execute runs one job, recording its outcome.
func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.New()
	logger := s.logger.With().
		Str("job", job.Name).
		Str("kind", job.Kind).
		Str("run_id", runID.String()).
		Logger()

	logger.Info().Msg("starting scheduled job")
	start := s.opts.Now()
	err := job.Run(ctx)
	finished := s.opts.Now()
	elapsed := finished.Sub(start)

	s.opts.Metrics.RecordRun(job.Kind, err, elapsed.Seconds(), float64(finished.Unix()))
	if werr := s.opts.Metrics.WriteTextfile(s.opts.MetricsFile); werr != nil {
		logger.Warn().Err(werr).Msg("failed to write metrics file")
	}

	if err != nil {
		logger.Error().Err(err).Dur("duration", elapsed).Msg("scheduled job failed")
		return err
	}
	logger.Info().Dur("duration", elapsed).Msg("scheduled job completed")
	return nil
}
