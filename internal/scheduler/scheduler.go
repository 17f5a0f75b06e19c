// Package scheduler drives the monitor engine on a cron schedule: a frequent
// health check sweep and a daily history cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
)

const (
	DefaultSweepSchedule   = "@every 1m"
	DefaultCleanupSchedule = "0 3 * * *"
)

// Runner is the work the scheduler triggers.
type Runner interface {
	PerformAllHealthChecks(ctx context.Context) (monitor.SweepSummary, error)
	PerformCleanup(ctx context.Context) (int64, error)
}

type Options struct {
	SweepSchedule   string
	CleanupSchedule string
	Logger          hclog.Logger
}

// Scheduler owns one cron instance with the sweep and cleanup jobs.
type Scheduler struct {
	runner Runner
	opts   Options
	log    hclog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	sweepID cron.EntryID
	running bool
	wg      sync.WaitGroup
}

func New(runner Runner, opts Options) *Scheduler {
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = DefaultSweepSchedule
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = DefaultCleanupSchedule
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Scheduler{runner: runner, opts: opts, log: opts.Logger}
}

// Start registers both jobs, starts the cron loop and fires one sweep right
// away. Calling Start on a running scheduler logs and returns nil.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Warn("scheduler already running")
		return nil
	}

	clog := cronLogger{log: s.log.Named("cron")}
	c := cron.New(cron.WithLogger(clog))
	chain := func(f func()) cron.Job {
		return cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(f))
	}

	sweep := chain(s.sweep)
	sweepID, err := c.AddJob(s.opts.SweepSchedule, sweep)
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.opts.SweepSchedule, err)
	}
	if _, err := c.AddJob(s.opts.CleanupSchedule, chain(s.cleanup)); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", s.opts.CleanupSchedule, err)
	}

	c.Start()
	s.cron = c
	s.sweepID = sweepID
	s.running = true
	s.log.Info("scheduler started", "sweep", s.opts.SweepSchedule, "cleanup", s.opts.CleanupSchedule)

	// The initial sweep goes through the same SkipIfStillRunning wrapper
	// as scheduled ticks.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sweep.Run()
	}()
	return nil
}

// Stop halts both triggers and waits for running jobs to finish. A sweep
// in flight completes every batch; its checks are never cut short.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.running = false
	s.cron = nil
	s.log.Info("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextSweep returns when the sweep job fires next, zero when stopped.
func (s *Scheduler) NextSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.sweepID).Next
}

func (s *Scheduler) sweep() {
	if _, err := s.runner.PerformAllHealthChecks(context.Background()); err != nil {
		s.log.Error("scheduled sweep failed", "error", err)
	}
}

func (s *Scheduler) cleanup() {
	if _, err := s.runner.PerformCleanup(context.Background()); err != nil {
		s.log.Error("scheduled cleanup failed", "error", err)
	}
}

// cronLogger adapts hclog to cron.Logger.
type cronLogger struct {
	log hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
