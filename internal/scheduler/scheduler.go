// Package scheduler runs the reconciliation tasks on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pv/cgmrig/internal/metrics"
	"github.com/pv/cgmrig/internal/reconcile"
)

// Default timings
const (
	DefaultInterval    = 5 * time.Minute
	DefaultTaskTimeout = 4 * time.Minute
)

// Task is one step of a cycle.
type Task struct {
	Name string
	Run  func(ctx context.Context) (reconcile.Result, error)
}

// TaskStatus is the outcome of a task's latest run.
type TaskStatus struct {
	Name     string        `json:"name"`
	LastRun  time.Time     `json:"lastRun"`
	Duration time.Duration `json:"duration"`
	Imported int           `json:"imported"`
	Exported int           `json:"exported"`
	Wiped    bool          `json:"wiped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Status summarizes the scheduler.
type Status struct {
	LastCycle  time.Time    `json:"lastCycle"`
	Cycles     int          `json:"cycles"`
	Skipped    int          `json:"skipped"`
	Stragglers int          `json:"stragglers"`
	Tasks      []TaskStatus `json:"tasks"`
}

// Options tune the scheduler timers.
type Options struct {
	Interval    time.Duration
	TaskTimeout time.Duration
}

// Scheduler runs its tasks sequentially once per interval. Cycles never
// overlap: a task that outlives its deadline is reported as failed, and
// cycles are skipped until it returns.
type Scheduler struct {
	tasks   []Task
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	trigger    chan struct{}
	stragglers atomic.Int32

	mu      sync.RWMutex
	last    time.Time
	cycles  int
	skipped int
	results map[string]TaskStatus
}

// New creates a scheduler for tasks, run in the given order.
func New(tasks []Task, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		tasks:   tasks,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		trigger: make(chan struct{}, 1),
		results: make(map[string]TaskStatus),
	}
}

// ReconcileTasks returns the standard cycle: calibration, then readings,
// then BG checks.
func ReconcileTasks(e *reconcile.Engine) []Task {
	return []Task{
		{Name: "calibration", Run: e.SyncCalibration},
		{Name: "readings", Run: e.SyncReadings},
		{Name: "bgchecks", Run: e.SyncBGChecks},
	}
}

// Trigger requests a cycle ahead of the next tick. Requests made while a
// cycle is pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if n := s.stragglers.Load(); n > 0 {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("previous cycle still running, skipping", "stragglers", n)
		return
	}

	start := time.Now()
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, t)
	}

	s.mu.Lock()
	s.last = start
	s.cycles++
	s.mu.Unlock()
	s.logger.Debug("cycle finished", "took", time.Since(start))
}

type outcome struct {
	res reconcile.Result
	err error
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	s.stragglers.Add(1)
	go func() {
		res, err := t.Run(tctx)
		s.stragglers.Add(-1)
		done <- outcome{res, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		select {
		case o = <-done:
		default:
			o.err = fmt.Errorf("%s: %w", t.Name, tctx.Err())
		}
	}
	took := time.Since(start)

	status := TaskStatus{
		Name:     t.Name,
		LastRun:  start,
		Duration: took,
		Imported: o.res.Imported,
		Exported: o.res.Exported,
		Wiped:    o.res.Wiped,
	}
	if o.err != nil {
		status.Error = o.err.Error()
		s.logger.Warn("sync task failed", "task", t.Name, "took", took, "error", o.err)
	} else if o.res.Imported > 0 || o.res.Exported > 0 || o.res.Wiped {
		s.logger.Info("sync task", "task", t.Name, "imported", o.res.Imported, "exported", o.res.Exported, "wiped", o.res.Wiped)
	}

	s.mu.Lock()
	s.results[t.Name] = status
	s.mu.Unlock()

	s.metrics.ObserveSync(t.Name, took, o.res.Imported, o.res.Exported, o.res.Wiped, o.err)
}

// Status returns a snapshot, tasks in cycle order.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		LastCycle:  s.last,
		Cycles:     s.cycles,
		Skipped:    s.skipped,
		Stragglers: int(s.stragglers.Load()),
	}
	for _, t := range s.tasks {
		if r, ok := s.results[t.Name]; ok {
			st.Tasks = append(st.Tasks, r)
		}
	}
	return st
}
