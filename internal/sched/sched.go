// Package sched provides the cooperative task scheduler driving the
// node core: a small fixed set of periodic handlers, each gated by a
// wake flag. Exactly one task body runs at a time to completion, so the
// buffers and identity state it touches need no locking.
package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-node/internal/logging"
)

// Wake is a pending-work marker consumed by exactly one scheduler
// invocation of its task. Set may be called from any goroutine
// (including backend RX loops) and is idempotent; Consume atomically
// clears the flag before the task body runs so a wake arriving during
// execution is not lost.
type Wake struct {
	flag atomic.Bool
}

func (w *Wake) Set()          { w.flag.Store(true) }
func (w *Wake) Consume() bool { return w.flag.Swap(false) }

// Pending reports the flag without consuming it (tests, introspection).
func (w *Wake) Pending() bool { return w.flag.Load() }

type task struct {
	name string
	wake *Wake
	run  func() error
}

// Scheduler runs registered tasks whose wake flags are set. The task
// set is fixed after registration; there is no dynamic dispatch.
type Scheduler struct {
	tasks  []task
	kick   chan struct{}
	period time.Duration
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

const defaultPeriod = time.Millisecond

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		kick:   make(chan struct{}, 1),
		period: defaultPeriod,
		logger: logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a periodic task gated by w. Registration must finish
// before Run starts.
func (s *Scheduler) Register(name string, w *Wake, run func() error) {
	s.tasks = append(s.tasks, task{name: name, wake: w, run: run})
}

// Kick wakes the run loop ahead of its next poll tick. Producers call
// it after setting a wake flag so freshly arrived frames are handled
// promptly. Safe from any goroutine; coalesces.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RunPending executes one pass: every task whose wake flag is set runs
// once, flag cleared first. The first task error aborts the pass and is
// returned so fatal conditions propagate to the caller.
func (s *Scheduler) RunPending() error {
	for _, t := range s.tasks {
		if !t.wake.Consume() {
			continue
		}
		if err := t.run(); err != nil {
			s.logger.Error("task_error", "task", t.name, "error", err)
			return err
		}
	}
	return nil
}

// Run drives RunPending until ctx is cancelled or a task fails. Passes
// happen on a fixed poll period and immediately after a Kick.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	for {
		if err := s.RunPending(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-tick.C:
		}
	}
}
