// Package scheduler runs the organic schema cleanup passes on a cron
// schedule.
//
// Each component exposes a Cleanup method that bounds its in-memory state
// (weak patterns, usage stats, resolver caches). The Scheduler registers
// those passes as named tasks and fires all of them on the configured
// schedule, e.g. "@every 30m". A panicking task is recovered and logged; an
// overrunning task is skipped rather than stacked.
//
// Example Usage:
//
//	s := scheduler.New(cfg.Scheduler, logger)
//	_ = s.Register("pattern_cleanup", func() { learner.Cleanup() })
//	s.Start()
//	defer s.Stop(context.Background())
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/logging"
)

// Scheduler fires registered tasks on one cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	tasks   map[string]func()
	entries map[string]cron.EntryID
	running bool
}

// New creates a Scheduler for cfg.CleanupSchedule. An unparsable schedule
// is reported by Register.
func New(cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	logger = logging.OrNop(logger).With(logging.FieldComponent, "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:    cfg.CleanupSchedule,
		logger:  logger,
		tasks:   make(map[string]func()),
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds a named task. Registering a name twice replaces the task.
func (s *Scheduler) Register(name string, task func()) error {
	if name == "" || task == nil {
		return errors.Wrap(errors.ErrInvalidInput, "task needs a name and a function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		schedule, err := cron.ParseStandard(s.spec)
		if err != nil {
			return errors.WithHint(
				errors.Wrapf(errors.ErrInvalidInput, "cleanup schedule %q: %v", s.spec, err),
				`use a cron expression or a descriptor such as "@every 30m"`)
		}
		s.schedule = schedule
	}

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	s.tasks[name] = task
	s.entries[name] = s.cron.Schedule(s.schedule, s.wrap(name, task))
	return nil
}

// wrap logs each run of a task with its duration.
func (s *Scheduler) wrap(name string, task func()) cron.FuncJob {
	return func() {
		start := time.Now()
		task()
		s.logger.Debugw("scheduled task finished",
			"task", name,
			logging.FieldDurationMS, time.Since(start).Milliseconds())
	}
}

// Tasks returns the registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs every registered task once, in name order, on the calling
// goroutine.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	tasks := make(map[string]func(), len(s.tasks))
	for name, task := range s.tasks {
		tasks[name] = task
	}
	s.mu.Unlock()

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.wrap(name, tasks[name])()
	}
}

// Next returns when the named task fires next. It is zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins firing tasks. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Infow("cleanup scheduler started", "schedule", s.spec, logging.FieldCount, len(s.tasks))
}

// Stop stops the scheduler and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Infow("cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for scheduled tasks")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, logging.FieldError, err)...)
}
