package renderer

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameRateEstimator(t *testing.T) {
	var e FrameRateEstimator
	if e.FPS() != 0 {
		t.Errorf("FPS() before any frame = %v, want 0", e.FPS())
	}

	start := time.Unix(0, 0)
	e.Tick(start)
	if e.FPS() != 0 {
		t.Errorf("FPS() after one frame = %v, want 0", e.FPS())
	}

	for i := 1; i <= 200; i++ {
		e.Tick(start.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	if got := e.FPS(); math.Abs(got-50) > 0.01 {
		t.Errorf("FPS() at 20ms frames = %v, want 50", got)
	}

	// the window adapts to a slower clock
	last := start.Add(200 * 20 * time.Millisecond)
	for i := 1; i <= 500; i++ {
		e.Tick(last.Add(time.Duration(i) * 40 * time.Millisecond))
	}
	if got := e.FPS(); math.Abs(got-25) > 0.5 {
		t.Errorf("FPS() after switching to 40ms frames = %v, want about 25", got)
	}
}

func TestFrameRateEstimatorRun(t *testing.T) {
	var e FrameRateEstimator
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for e.FPS() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if e.FPS() == 0 {
		t.Error("FPS() still 0 after running")
	}
}

func TestReachabilityProbe(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	probe := NewReachabilityProbe(srv.URL, time.Hour, srv.Client(), zerolog.Nop())
	var changes []bool
	probe.OnChange(func(v bool) { changes = append(changes, v) })

	ctx := context.Background()
	if probe.Reachable() {
		t.Error("Reachable() before first check = true")
	}
	if err := probe.Check(ctx); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !probe.Reachable() {
		t.Error("Reachable() = false after successful check")
	}
	if err := probe.Check(ctx); err != nil {
		t.Fatalf("second Check() error = %v", err)
	}

	up.Store(false)
	if err := probe.Check(ctx); err == nil {
		t.Error("Check() against failing endpoint returned nil")
	}
	if probe.Reachable() {
		t.Error("Reachable() = true after failed check")
	}

	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("changes = %v, want [true false]", changes)
	}
}

func TestReachabilityProbeStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	probe := NewReachabilityProbe(srv.URL, time.Hour, nil, zerolog.Nop())
	changed := make(chan bool, 1)
	probe.OnChange(func(v bool) { changed <- v })

	probe.Start(context.Background(), nil)
	defer probe.Stop()

	select {
	case v := <-changed:
		if !v {
			t.Error("first probe reported unreachable")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not run on start")
	}
}
