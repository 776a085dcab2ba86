package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) hook(report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.reports))
	for i, rep := range r.reports {
		out[i] = rep.Outcome
	}
	return out
}

func TestTask_RunOnceOutcomes(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	fail := true

	task := NewTask("flaky", time.Hour, func(context.Context) error {
		if fail {
			return boom
		}
		return nil
	}, zerolog.Nop(), rec.hook)

	if r := task.RunOnce(context.Background()); r.Outcome != Failed || !errors.Is(r.Err, boom) {
		t.Errorf("Expected failed outcome with boom, got %+v", r)
	}
	fail = false
	if r := task.RunOnce(context.Background()); r.Outcome != Succeeded {
		t.Errorf("Expected success, got %+v", r)
	}
	if got := rec.outcomes(); len(got) != 2 {
		t.Errorf("Expected 2 reports, got %v", got)
	}
}

func TestTask_PanicIsFailure(t *testing.T) {
	task := NewTask("panicky", time.Hour, func(context.Context) error {
		panic("kaboom")
	}, zerolog.Nop(), nil)

	if r := task.RunOnce(context.Background()); r.Outcome != Failed || r.Err == nil {
		t.Errorf("Expected panic to be reported as failure, got %+v", r)
	}
}

func TestTask_SkipsWhileInFlight(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{})

	task := NewTask("slow", time.Hour, func(context.Context) error {
		close(started)
		<-release
		return nil
	}, zerolog.Nop(), rec.hook)

	go task.RunOnce(context.Background())
	<-started

	if r := task.RunOnce(context.Background()); r.Outcome != Skipped {
		t.Errorf("Expected skip while in flight, got %+v", r)
	}
	close(release)
}

func TestTask_StartRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("ticker", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zerolog.Nop(), nil)

	task.Start(context.Background(), true)
	time.Sleep(110 * time.Millisecond)
	task.Stop()
	task.Stop()

	if n := runs.Load(); n < 3 {
		t.Errorf("Expected at least 3 runs, got %d", n)
	}

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() > after+1 {
		t.Error("Task kept running after Stop")
	}
}

func TestTask_StopWithoutStart(t *testing.T) {
	task := NewTask("idle", time.Hour, func(context.Context) error { return nil }, zerolog.Nop(), nil)
	task.Stop()
}
