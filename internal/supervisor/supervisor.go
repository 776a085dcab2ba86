// Package supervisor runs periodic background tasks that report their outcome and never crash the process.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome of one run of a task
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
)

// Report describes a finished (or skipped) run
type Report struct {
	Task     string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Hook receives every report
type Hook func(Report)

// TaskFunc is one unit of background work
type TaskFunc func(ctx context.Context) error

// Task runs fn on a fixed interval. A tick that arrives while the previous run
// is still in flight is reported as Skipped.
type Task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	logger   zerolog.Logger
	hook     Hook

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewTask creates a task; hook may be nil
func NewTask(name string, interval time.Duration, fn TaskFunc, logger zerolog.Logger, hook Hook) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With().Str("component", "supervisor").Str("task", name).Logger(),
		hook:     hook,
	}
}

// Start launches the loop. With runNow the first run happens immediately.
func (t *Task) Start(ctx context.Context, runNow bool) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		if runNow {
			t.RunOnce(ctx)
		}

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				go t.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit. In-flight runs see a cancelled context.
func (t *Task) Stop() {
	t.once.Do(func() {
		if t.cancel == nil {
			return
		}
		t.cancel()
		<-t.done
	})
}

// RunOnce runs the task synchronously unless a run is already in flight
func (t *Task) RunOnce(ctx context.Context) Report {
	if !t.running.CompareAndSwap(false, true) {
		report := Report{Task: t.name, Outcome: Skipped}
		t.logger.Debug().Msg("Previous run still in flight, skipping")
		t.emit(report)
		return report
	}
	defer t.running.Store(false)

	start := time.Now()
	err := t.safeRun(ctx)
	report := Report{Task: t.name, Outcome: Succeeded, Err: err, Duration: time.Since(start)}
	if err != nil {
		report.Outcome = Failed
		t.logger.Error().Err(err).Dur("duration", report.Duration).Msg("Background task failed")
	} else {
		t.logger.Debug().Dur("duration", report.Duration).Msg("Background task finished")
	}
	t.emit(report)
	return report
}

func (t *Task) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.fn(ctx)
}

func (t *Task) emit(report Report) {
	if t.hook != nil {
		t.hook(report)
	}
}
