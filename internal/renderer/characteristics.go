package renderer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/supervisor"
	"ografserver/pkg/types"
)

// fpsWindow bounds the memory of the frame-rate estimate
const fpsWindow = 50

// FrameRateEstimator keeps a running frame rate from frame timestamps
type FrameRateEstimator struct {
	mu    sync.Mutex
	last  time.Time
	sumMs float64
	count float64
}

// Tick records a frame drawn at now
func (e *FrameRateEstimator) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.last.IsZero() {
		e.sumMs += float64(now.Sub(e.last)) / float64(time.Millisecond)
		e.count++
		if e.count >= fpsWindow {
			e.sumMs /= 2
			e.count /= 2
		}
	}
	e.last = now
}

// FPS is 0 until two frames were seen
func (e *FrameRateEstimator) FPS() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count == 0 || e.sumMs <= 0 {
		return 0
	}
	return 1000 * e.count / e.sumMs
}

// Run ticks on every frame interval until ctx ends
func (e *FrameRateEstimator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.Tick(now)
		case <-ctx.Done():
			return
		}
	}
}

// ReachabilityProbe tells whether the public internet can be reached by
// fetching a small external resource
type ReachabilityProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
	onChange func(bool)

	reachable atomic.Bool
	task      *supervisor.Task
}

func NewReachabilityProbe(url string, interval time.Duration, client *http.Client, logger zerolog.Logger) *ReachabilityProbe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ReachabilityProbe{
		url:      url,
		interval: interval,
		client:   client,
		logger:   logger.With().Str("component", "reachability").Logger(),
	}
}

// OnChange is called whenever the probe flips; set it before Start
func (p *ReachabilityProbe) OnChange(fn func(bool)) {
	p.onChange = fn
}

func (p *ReachabilityProbe) Reachable() bool {
	return p.reachable.Load()
}

// Check probes once and records the result
func (p *ReachabilityProbe) Check(ctx context.Context) error {
	err := p.fetch(ctx)
	reachable := err == nil
	if p.reachable.Swap(reachable) != reachable {
		p.logger.Info().Bool("reachable", reachable).Msg("Public internet reachability changed")
		if p.onChange != nil {
			p.onChange(reachable)
		}
	}
	return err
}

func (p *ReachabilityProbe) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Start probes immediately and then on every interval
func (p *ReachabilityProbe) Start(ctx context.Context, hook supervisor.Hook) {
	p.task = supervisor.NewTask("reachability-probe", p.interval, p.Check, p.logger, hook)
	p.task.Start(ctx, true)
}

func (p *ReachabilityProbe) Stop() {
	if p.task != nil {
		p.task.Stop()
	}
}

// outputCharacteristics combines the configured resolution with live measurements
type outputCharacteristics struct {
	resolution types.Resolution
	fps        *FrameRateEstimator
	probe      *ReachabilityProbe
}

func (c *outputCharacteristics) RenderCharacteristics() types.RenderCharacteristics {
	return types.RenderCharacteristics{
		Resolution:             c.resolution,
		FrameRate:              c.fps.FPS(),
		AccessToPublicInternet: c.probe.Reachable(),
	}
}
