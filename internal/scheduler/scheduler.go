// Package scheduler runs the background maintenance jobs (monitoring loop,
// rotation checks, retention cleanup) on fixed schedules.
package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pricesentry/pricesentry/internal/logger"
)

// Scheduler wraps a cron runner. Jobs are skipped, not queued, when a
// previous run of the same job is still in progress.
type Scheduler struct {
	cron *cron.Cron
}

// New builds a stopped scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger{}))),
	}
}

// AddEvery schedules fn at a fixed interval.
func (s *Scheduler) AddEvery(name string, every time.Duration, fn func()) {
	s.cron.Schedule(cron.Every(every), newJob(name, fn))
}

// AddCron schedules fn with a standard 5-field cron spec.
func (s *Scheduler) AddCron(name, spec string, fn func()) error {
	if _, err := s.cron.AddJob(spec, newJob(name, fn)); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start launches the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.WithComponent("scheduler").WithField("jobs", len(s.cron.Entries())).Info("Scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.WithComponent("scheduler").Info("Scheduler stopped")
}

// job guards one scheduled function with a best-effort single-flight flag.
// The jobs are idempotent or self-reconciling, so skipping an overlapping
// run is always safe.
type job struct {
	name    string
	fn      func()
	running atomic.Bool
}

func newJob(name string, fn func()) *job {
	return &job{name: name, fn: fn}
}

func (j *job) Run() {
	if !j.running.CompareAndSwap(false, true) {
		logger.WithComponent("scheduler").WithField("job", j.name).
			Warn("Previous run still in progress, skipping")
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	j.fn()
	logger.WithComponent("scheduler").WithFields(map[string]interface{}{
		"job":      j.name,
		"duration": time.Since(start).String(),
	}).Debug("Job finished")
}

// cronLogger adapts the process logger for the cron runner's panic recovery.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.WithComponent("scheduler").WithField("details", keysAndValues).Info(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.WithComponent("scheduler").WithFields(map[string]interface{}{
		"error":   err.Error(),
		"details": keysAndValues,
	}).Error(msg)
}
