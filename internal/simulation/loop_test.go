package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastOneTick(t *testing.T) {
	var ticks atomic.Int32
	loop := NewLoop(60, func(context.Context, uint64) {
		ticks.Add(1)
	}, nil)
	loop.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	loop.Stop()
	if ticks.Load() == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
	if uint64(ticks.Load()) != loop.Ticks() {
		t.Fatalf("expected tick counter %d to match %d steps", loop.Ticks(), ticks.Load())
	}
}

func TestLoopStepNumbersTicksFromZero(t *testing.T) {
	var seen []uint64
	monitor := NewTickMonitor(time.Hour)
	loop := NewLoop(20, func(_ context.Context, tick uint64) {
		seen = append(seen, tick)
	}, monitor)
	for i := 0; i < 3; i++ {
		loop.Step(context.Background())
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("unexpected tick numbers %v", seen)
	}
	if snapshot := monitor.Snapshot(); snapshot.Samples != 3 || snapshot.Overruns != 0 {
		t.Fatalf("unexpected monitor snapshot %#v", snapshot)
	}
}

func TestLoopStepDuration(t *testing.T) {
	loop := NewLoop(20, nil, nil)
	if step := loop.StepDuration(); step != 50*time.Millisecond {
		t.Fatalf("unexpected step duration %v", step)
	}
	if NewLoop(0, nil, nil).StepDuration() != 50*time.Millisecond {
		t.Fatalf("expected non-positive rates to fall back to 20 Hz")
	}
}

func TestLoopStopIsIdempotent(t *testing.T) {
	loop := NewLoop(100, nil, nil)
	loop.Start(context.Background())
	loop.Stop()
	loop.Stop()
}

func TestTickMonitorCountsOverruns(t *testing.T) {
	monitor := NewTickMonitor(10 * time.Millisecond)
	monitor.Observe(5 * time.Millisecond)
	monitor.Observe(15 * time.Millisecond)
	monitor.Observe(-time.Millisecond)
	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 || snapshot.Overruns != 1 || snapshot.Max != 15*time.Millisecond || snapshot.Average != 10*time.Millisecond {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}
	if headroom := snapshot.Headroom(20 * time.Millisecond); headroom != 0.5 {
		t.Fatalf("expected half the budget spare, got %v", headroom)
	}
	var nilMonitor *TickMonitor
	nilMonitor.Observe(time.Second)
	if nilMonitor.Snapshot().Samples != 0 {
		t.Fatalf("expected nil monitor to stay empty")
	}
}
