package simulation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxCatchUp bounds how many steps run back to back after a stall.
const DefaultMaxCatchUp = 5

// StepFunc advances the simulation by one tick. Ticks are numbered from zero.
type StepFunc func(ctx context.Context, tick uint64)

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	monitor    *TickMonitor
	maxCatchUp int

	ticks   atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop that targets the provided ticks per second. Step
// durations are reported to monitor when it is non-nil.
func NewLoop(targetHz float64, step StepFunc, monitor *TickMonitor) *Loop {
	if targetHz <= 0 {
		targetHz = 20
	}
	if step == nil {
		step = func(context.Context, uint64) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 20
	}
	return &Loop{
		step:       interval,
		stepFunc:   step,
		monitor:    monitor,
		maxCatchUp: DefaultMaxCatchUp,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	done := l.done

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.step)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step && steps < l.maxCatchUp {
					l.Step(ctx)
					accumulator -= l.step
					steps++
				}
				//2.- Past the catch-up bound the backlog is dropped so recordings stay in step with wall time.
				if accumulator >= l.step {
					l.dropped.Add(uint64(accumulator / l.step))
					accumulator %= l.step
				}
			}
		}
	}()
}

// Step runs exactly one tick on the calling goroutine.
func (l *Loop) Step(ctx context.Context) {
	started := time.Now()
	l.stepFunc(ctx, l.ticks.Load())
	l.ticks.Add(1)
	l.monitor.Observe(time.Since(started))
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Ticks returns how many steps have run.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Dropped returns how many steps were skipped after stalls.
func (l *Loop) Dropped() uint64 { return l.dropped.Load() }

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
