// Package store defines storage interfaces for persisting and retrieving
// bars, ingest run records, and symbol ratings.
package store

import (
	"context"

	"github.com/knectardev/stonxx/internal/domain"
)

// SymbolRange summarises stored coverage for one symbol at one timeframe.
type SymbolRange struct {
	MinTimestamp int64
	MaxTimestamp int64
	BarCount     int64
}

// BarStore persists and retrieves OHLCV bar data. Bars are keyed by
// (symbol, timeframe, timestamp); inserting an existing key is a no-op.
type BarStore interface {
	// InsertBars persists a batch of bars, skipping rows whose key already
	// exists. It returns the number of newly inserted rows.
	InsertBars(ctx context.Context, bars []domain.Bar) (int64, error)

	// Bars returns bars for the symbol and timeframe ordered by timestamp
	// ascending. start/end bound the range in Unix seconds (0 = unbounded);
	// limit keeps only the most recent rows (0 = no limit).
	Bars(ctx context.Context, symbol string, tf domain.Timeframe, start, end int64, limit int) ([]domain.Bar, error)

	// LatestBar returns the most recent bar for the symbol and timeframe,
	// or nil if none is stored.
	LatestBar(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.Bar, error)

	// SymbolsWithData returns all distinct symbols that have at least one
	// bar for the timeframe, sorted.
	SymbolsWithData(ctx context.Context, tf domain.Timeframe) ([]string, error)

	// LatestBySymbol maps each symbol to its latest stored timestamp for
	// the timeframe. Symbols without data are absent from the map.
	LatestBySymbol(ctx context.Context, tf domain.Timeframe) (map[string]int64, error)

	// SymbolRanges maps each symbol with data to its coverage summary for
	// the timeframe.
	SymbolRanges(ctx context.Context, tf domain.Timeframe) (map[string]SymbolRange, error)

	// Freshness returns the minimum, across symbols, of each symbol's
	// latest stored timestamp for the timeframe — how far behind the
	// worst symbol is. Returns 0 when no data exists.
	Freshness(ctx context.Context, tf domain.Timeframe) (int64, error)

	// BarCount counts stored bars, optionally filtered by symbol and/or
	// timeframe (empty values mean no filter).
	BarCount(ctx context.Context, symbol string, tf domain.Timeframe) (int64, error)

	// DeleteBarsBefore removes bars older than the cutoff (Unix seconds)
	// and returns the number of rows deleted.
	DeleteBarsBefore(ctx context.Context, cutoff int64) (int64, error)
}

// RunLedger records ingestion attempts and their outcomes.
type RunLedger interface {
	// CreateRun inserts a run in the running state and returns its ID.
	CreateRun(ctx context.Context, tf domain.Timeframe, mode domain.RunMode, windowStart, windowEnd int64, pid int) (int64, error)

	// IncrementRunRows atomically adds n to the run's inserted_rows counter.
	IncrementRunRows(ctx context.Context, runID int64, n int64) error

	// FinishRun moves a running run to the given terminal status and stamps
	// ended_at. It is a no-op if the run is already terminal.
	FinishRun(ctx context.Context, runID int64, status domain.RunStatus) error

	// GetRun returns the run with the given ID, or nil if not found.
	GetRun(ctx context.Context, runID int64) (*domain.IngestRun, error)

	// RunningRuns returns all runs currently in the running state, most
	// recently started first.
	RunningRuns(ctx context.Context) ([]domain.IngestRun, error)

	// HasRunningRun reports whether a running run exists, optionally
	// filtered by timeframe and mode (empty values mean no filter).
	HasRunningRun(ctx context.Context, tf domain.Timeframe, mode domain.RunMode) (bool, error)

	// LastFinishedRun returns the most recently finished run for the
	// timeframe, or nil if none exists.
	LastFinishedRun(ctx context.Context, tf domain.Timeframe) (*domain.IngestRun, error)
}

// RatingStore persists per-symbol 0-5 star ratings for the dashboard.
type RatingStore interface {
	// Rating returns the rating for a symbol (0 if unrated).
	Rating(ctx context.Context, symbol string) (int, error)

	// SetRating upserts and returns the clamped 0-5 rating for the symbol.
	SetRating(ctx context.Context, symbol string, rating int) (int, error)

	// Ratings returns symbol -> rating for all rated symbols.
	Ratings(ctx context.Context) (map[string]int, error)
}
