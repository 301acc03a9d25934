// Package domain defines the core types shared across the stonxx data
// pipeline: OHLCV bars, bar resolutions, and ingest run records.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a bar resolution in Alpaca's timeframe notation.
type Timeframe string

const (
	OneMin    Timeframe = "1Min"
	FiveMin   Timeframe = "5Min"
	ThirtyMin Timeframe = "30Min"
)

// AllTimeframes returns every supported timeframe, finest first.
func AllTimeframes() []Timeframe {
	return []Timeframe{OneMin, FiveMin, ThirtyMin}
}

// ParseTimeframe maps user-facing aliases ("1m", "5min", "30") to a
// Timeframe. It is case-insensitive and trims surrounding whitespace.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "1min", "1":
		return OneMin, nil
	case "5m", "5min", "5":
		return FiveMin, nil
	case "30m", "30min", "30":
		return ThirtyMin, nil
	}
	return "", fmt.Errorf("unsupported timeframe: %q", s)
}

// Bar is one OHLCV observation for a symbol at a given resolution.
// Timestamp is the bar open time in Unix seconds (UTC). The triple
// (Symbol, Timeframe, Timestamp) identifies a bar uniquely.
type Bar struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Time returns the bar open time as a UTC time.Time.
func (b Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// RunStatus is the lifecycle state of an ingest run. Transitions only move
// forward: running -> finished or running -> error.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunError    RunStatus = "error"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunError
}

// RunMode distinguishes incremental catch-ups from historical backfills.
type RunMode string

const (
	ModeCatchup  RunMode = "catchup"
	ModeBackfill RunMode = "backfill"
)

// IngestRun records one attempt to catch up a timeframe. StartedAt, EndedAt,
// WindowStart, and WindowEnd are Unix seconds; EndedAt is zero until the run
// reaches a terminal status.
type IngestRun struct {
	ID           int64
	Timeframe    Timeframe
	Mode         RunMode
	Status       RunStatus
	StartedAt    int64
	EndedAt      int64
	WindowStart  int64
	WindowEnd    int64
	InsertedRows int64
	PID          int
}
