package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/knectardev/stonxx/internal/domain"
)

// RunGuard is the slice of the run ledger the scheduler consults before
// launching. Ledger-backed (not in-process memory): catch-up work executes
// in a separate process, so only the ledger sees it.
type RunGuard interface {
	HasRunningRun(ctx context.Context, tf domain.Timeframe, mode domain.RunMode) (bool, error)
}

// CatchupLauncher starts detached catch-up work.
type CatchupLauncher interface {
	LaunchCatchup(tfs []domain.Timeframe) error
}

// Fast cycles still wait this long, so a quick skip never busy-loops.
const minCycleSleep = 30 * time.Second

// Scheduler keeps the fine-resolution data fresh with a perpetual
// minute-aligned loop, and (optionally) refreshes the coarser resolutions on
// cron boundaries. Start is idempotent; Stop is cooperative and does not
// cancel work already dispatched to a child process.
type Scheduler struct {
	guard    RunGuard
	launcher CatchupLauncher
	periodic bool
	cron     *cron.Cron
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a stopped Scheduler. When periodic is true, cron
// entries refresh the medium and coarse timeframes every 5 and 30 minutes.
func NewScheduler(guard RunGuard, launcher CatchupLauncher, periodic bool) *Scheduler {
	s := &Scheduler{
		guard:    guard,
		launcher: launcher,
		periodic: periodic,
		log:      slog.Default().With("component", "scheduler"),
	}
	if periodic {
		s.cron = cron.New(cron.WithSeconds())
		s.cron.AddFunc("0 */5 * * * *", func() { s.guardedLaunch(domain.FiveMin) })
		s.cron.AddFunc("0 */30 * * * *", func() { s.guardedLaunch(domain.ThirtyMin) })
	}
	return s
}

// Start begins the realtime loop. Calling Start on a running scheduler is a
// no-op, so only one loop can ever be active.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("start ignored, already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	if s.cron != nil {
		s.cron.Start()
	}
	go s.loop(s.stopCh, s.done)
	s.log.Info("scheduler started", "periodic", s.periodic)
}

// Stop signals cooperative shutdown and waits for the loop to exit. Work
// already dispatched to a child process runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.log.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		s.guardedLaunch(domain.OneMin)

		select {
		case <-stopCh:
			return
		case <-time.After(sleepUntilNextMinute(time.Now())):
		}
	}
}

// guardedLaunch starts a catch-up for the timeframe unless the ledger shows
// one already running. Any failure is logged and absorbed: a single cycle's
// failure must never terminate the scheduler.
func (s *Scheduler) guardedLaunch(tf domain.Timeframe) {
	running, err := s.guard.HasRunningRun(context.Background(), tf, domain.ModeCatchup)
	if err != nil {
		s.log.Error("checking running runs", "timeframe", tf, "error", err)
		return
	}
	if running {
		s.log.Debug("catch-up already running, skipping cycle", "timeframe", tf)
		return
	}
	if err := s.launcher.LaunchCatchup([]domain.Timeframe{tf}); err != nil {
		s.log.Error("launching catch-up", "timeframe", tf, "error", err)
	}
}

// sleepUntilNextMinute returns the time until the next minute boundary,
// floored at minCycleSleep.
func sleepUntilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	d := next.Sub(now)
	if d < minCycleSleep {
		d = minCycleSleep
	}
	return d
}
