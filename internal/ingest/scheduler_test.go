package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/knectardev/stonxx/internal/domain"
)

type fakeGuard struct {
	mu      sync.Mutex
	running bool
}

func (g *fakeGuard) HasRunningRun(_ context.Context, _ domain.Timeframe, _ domain.RunMode) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, nil
}

type countingLauncher struct {
	mu       sync.Mutex
	launches [][]domain.Timeframe
}

func (l *countingLauncher) LaunchCatchup(tfs []domain.Timeframe) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, tfs)
	return nil
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func TestSchedulerLaunchesFineCatchup(t *testing.T) {
	guard := &fakeGuard{}
	launcher := &countingLauncher{}
	s := NewScheduler(guard, launcher, false)

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := launcher.count(); got != 1 {
		t.Fatalf("launched %d times, want 1 (one cycle before the sleep floor)", got)
	}
	launcher.mu.Lock()
	tfs := launcher.launches[0]
	launcher.mu.Unlock()
	if len(tfs) != 1 || tfs[0] != domain.OneMin {
		t.Errorf("launched timeframes = %v, want [1Min]", tfs)
	}
}

func TestSchedulerSkipsWhenRunInFlight(t *testing.T) {
	guard := &fakeGuard{running: true}
	launcher := &countingLauncher{}
	s := NewScheduler(guard, launcher, false)

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := launcher.count(); got != 0 {
		t.Errorf("launched %d times, want 0 while a run is in flight", got)
	}
}

func TestSchedulerStartIdempotent(t *testing.T) {
	guard := &fakeGuard{}
	launcher := &countingLauncher{}
	s := NewScheduler(guard, launcher, false)

	// Starting twice without a stop must not spin up a second loop, so the
	// single immediate cycle launches exactly once.
	s.Start()
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := launcher.count(); got != 1 {
		t.Errorf("launched %d times after double start, want 1", got)
	}
}

func TestSchedulerStopIsIdempotentAndRestartable(t *testing.T) {
	guard := &fakeGuard{}
	launcher := &countingLauncher{}
	s := NewScheduler(guard, launcher, false)

	s.Stop() // stopping a stopped scheduler is a no-op

	s.Start()
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop")
	}

	// A stopped scheduler can start again.
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := launcher.count(); got != 2 {
		t.Errorf("launched %d times across two sessions, want 2", got)
	}
}

func TestSleepUntilNextMinuteFloor(t *testing.T) {
	// Right after a minute boundary the remaining wait is large and used
	// as-is.
	now := time.Date(2024, 6, 3, 15, 0, 1, 0, time.UTC)
	if d := sleepUntilNextMinute(now); d != 59*time.Second {
		t.Errorf("sleep = %v, want 59s", d)
	}

	// Close to the boundary the floor kicks in so a fast cycle never
	// busy-loops.
	now = time.Date(2024, 6, 3, 15, 0, 55, 0, time.UTC)
	if d := sleepUntilNextMinute(now); d != minCycleSleep {
		t.Errorf("sleep = %v, want floor %v", d, minCycleSleep)
	}
}
