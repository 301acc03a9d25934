package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/knectardev/stonxx/internal/domain"
	"github.com/knectardev/stonxx/internal/provider"
	"github.com/knectardev/stonxx/internal/store"
)

// BarFetcher is the slice of the provider client the ingester needs.
type BarFetcher interface {
	GetBars(ctx context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// ErrEmptyUniverse is returned when a run is requested with no symbols.
var ErrEmptyUniverse = errors.New("symbol universe is empty")

// Ingester drives chunked catch-up and backfill runs: it partitions the
// symbol universe into request-sized groups, fetches each group through the
// provider client, batch-inserts the rows, and records the outcome in the
// run ledger.
type Ingester struct {
	fetcher  BarFetcher
	bars     store.BarStore
	ledger   store.RunLedger
	calendar *Calendar // optional; caps backfill windows at the last finished trading day

	chunkSize    int
	pause        time.Duration // between symbol groups, even on success
	cooldown     time.Duration // after a 429
	backfillDays int

	log *slog.Logger
}

// NewIngester creates an Ingester. Zero tuning values fall back to the
// defaults the CLI documents: chunk 100, pause 150ms, cooldown 2s,
// backfill lookback 56 days.
func NewIngester(fetcher BarFetcher, bars store.BarStore, ledger store.RunLedger, chunkSize int, pause, cooldown time.Duration, backfillDays int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	if pause <= 0 {
		pause = 150 * time.Millisecond
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	if backfillDays <= 0 {
		backfillDays = 56
	}
	return &Ingester{
		fetcher:      fetcher,
		bars:         bars,
		ledger:       ledger,
		chunkSize:    chunkSize,
		pause:        pause,
		cooldown:     cooldown,
		backfillDays: backfillDays,
		log:          slog.Default().With("component", "ingest"),
	}
}

// SetCalendar wires an optional trading calendar used to cap backfill
// windows.
func (ing *Ingester) SetCalendar(cal *Calendar) { ing.calendar = cal }

// RunCatchup computes the catch-up window for the timeframe and fetches it
// across the symbol universe. Returns the number of newly inserted rows.
func (ing *Ingester) RunCatchup(ctx context.Context, tf domain.Timeframe, symbols []string) (int64, error) {
	if len(symbols) == 0 {
		return 0, ErrEmptyUniverse
	}

	latest, err := ing.bars.LatestBySymbol(ctx, tf)
	if err != nil {
		return 0, fmt.Errorf("loading latest timestamps for %s: %w", tf, err)
	}

	start, end := CatchupWindow(tf, symbols, latest, time.Now())
	ing.log.Info("catch-up window computed",
		"timeframe", tf,
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"symbols", len(symbols),
	)

	return ing.runWindow(ctx, tf, domain.ModeCatchup, symbols, start, end)
}

// RunBackfill fetches a fixed-lookback historical window of coarse bars for
// the symbol universe. The window end is capped at the latest finished
// trading day when a calendar is configured.
func (ing *Ingester) RunBackfill(ctx context.Context, symbols []string) (int64, error) {
	if len(symbols) == 0 {
		return 0, ErrEmptyUniverse
	}

	end := time.Now().UTC()
	if ing.calendar != nil {
		if day, err := ing.calendar.LatestFinishedTradingDay(ctx); err != nil {
			ing.log.Warn("trading calendar unavailable, using wall clock", "error", err)
		} else if eod := day.Add(24 * time.Hour); eod.Before(end) {
			end = eod
		}
	}
	start := end.AddDate(0, 0, -ing.backfillDays)

	ing.log.Info("backfill window",
		"timeframe", domain.ThirtyMin,
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"days", ing.backfillDays,
	)

	return ing.runWindow(ctx, domain.ThirtyMin, domain.ModeBackfill, symbols, start, end)
}

// runWindow executes one pass over [start, end) for the timeframe: a run
// ledger entry is created up front, each symbol group is attempted exactly
// once (with same-group retries on rate limiting), and the run is finalized
// whatever happened to individual groups. The next scheduled cycle is the
// retry mechanism for anything left incomplete.
func (ing *Ingester) runWindow(ctx context.Context, tf domain.Timeframe, mode domain.RunMode, symbols []string, start, end time.Time) (int64, error) {
	runID, err := ing.ledger.CreateRun(ctx, tf, mode, start.Unix(), end.Unix(), os.Getpid())
	if err != nil {
		return 0, fmt.Errorf("creating run for %s: %w", tf, err)
	}

	var total int64
	groups := chunkSymbols(symbols, ing.chunkSize)

	for i, group := range groups {
		if ctx.Err() != nil {
			ing.finalize(runID, domain.RunError)
			return total, ctx.Err()
		}

		n, err := ing.fetchGroup(ctx, runID, group, tf, start, end)
		if err != nil {
			if ctx.Err() != nil {
				ing.finalize(runID, domain.RunError)
				return total, ctx.Err()
			}
			// A single bad group must not abort the timeframe's run.
			ing.log.Error("group fetch failed",
				"timeframe", tf,
				"group", fmt.Sprintf("%d/%d", i+1, len(groups)),
				"error", err,
			)
		}
		total += n

		if err := sleepCtx(ctx, ing.pause); err != nil {
			ing.finalize(runID, domain.RunError)
			return total, err
		}
	}

	ing.finalize(runID, domain.RunFinished)
	ing.log.Info("run complete", "timeframe", tf, "mode", mode, "inserted", total)
	return total, nil
}

// fetchGroup fetches one symbol group and persists the rows, retrying the
// same group after a cooldown whenever the provider reports rate limiting.
// Skipping a rate-limited group would silently create a gap.
func (ing *Ingester) fetchGroup(ctx context.Context, runID int64, group []string, tf domain.Timeframe, start, end time.Time) (int64, error) {
	for {
		rows, err := ing.fetcher.GetBars(ctx, group, tf, start, end)
		if errors.Is(err, provider.ErrRateLimited) {
			ing.log.Warn("rate limited, backing off", "timeframe", tf, "cooldown", ing.cooldown)
			if err := sleepCtx(ctx, ing.cooldown); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		if len(rows) == 0 {
			return 0, nil
		}
		inserted, err := ing.bars.InsertBars(ctx, rows)
		if err != nil {
			return 0, fmt.Errorf("inserting %d rows: %w", len(rows), err)
		}
		if inserted > 0 {
			if err := ing.ledger.IncrementRunRows(ctx, runID, inserted); err != nil {
				ing.log.Error("updating run counter", "run", runID, "error", err)
			}
		}
		return inserted, nil
	}
}

func (ing *Ingester) finalize(runID int64, status domain.RunStatus) {
	// Finalization uses a fresh context so a cancelled run still gets its
	// terminal ledger state.
	if err := ing.ledger.FinishRun(context.Background(), runID, status); err != nil {
		ing.log.Error("finalizing run", "run", runID, "status", status, "error", err)
	}
}

func chunkSymbols(symbols []string, size int) [][]string {
	var groups [][]string
	for i := 0; i < len(symbols); i += size {
		end := min(i+size, len(symbols))
		groups = append(groups, symbols[i:end])
	}
	return groups
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
