// Package ingest contains the incremental ingestion scheduler: catch-up
// window computation, the chunked fetch loop that drives the provider
// client, the minute-aligned realtime scheduler, and the detached-process
// launcher used by the serving path.
package ingest

import (
	"time"

	"github.com/knectardev/stonxx/internal/domain"
)

// Overlap buffers re-fetch a little recent history to cover late-arriving or
// corrected upstream data; they scale with resolution coarseness.
var overlapBuffers = map[domain.Timeframe]time.Duration{
	domain.OneMin:    15 * time.Minute,
	domain.FiveMin:   1 * time.Hour,
	domain.ThirtyMin: 6 * time.Hour,
}

// Fallback horizons apply when at least one symbol has no data yet for the
// timeframe: the whole timeframe gets a bulk catch-up instead of a tight
// incremental window.
var fallbackHorizons = map[domain.Timeframe]time.Duration{
	domain.OneMin:    3 * 24 * time.Hour,
	domain.FiveMin:   14 * 24 * time.Hour,
	domain.ThirtyMin: 56 * 24 * time.Hour,
}

// CatchupWindow computes the conservative [start, end) interval to re-fetch
// for the timeframe across the symbol universe. latest maps each symbol to
// its latest stored timestamp (Unix seconds); symbols absent from the map
// have no data for this timeframe yet.
//
// The start is anchored at the minimum latest-timestamp across symbols —
// not the maximum or average — so no symbol is left behind; idempotent
// storage makes the extra overlap for already-fresh symbols harmless.
// Callers must not invoke this with an empty universe.
func CatchupWindow(tf domain.Timeframe, symbols []string, latest map[string]int64, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := now

	var start time.Time
	if len(latest) < len(symbols) {
		// Some symbols lack this timeframe entirely.
		start = now.Add(-fallbackHorizons[tf])
	} else {
		minLatest := int64(0)
		first := true
		for _, ts := range latest {
			if first || ts < minLatest {
				minLatest = ts
				first = false
			}
		}
		if minLatest < 0 {
			minLatest = 0
		}
		start = time.Unix(minLatest, 0).UTC().Add(-overlapBuffers[tf])
	}

	if start.Unix() < 0 {
		start = time.Unix(0, 0).UTC()
	}
	// Keep start strictly before end.
	if latestStart := end.Add(-time.Second); start.After(latestStart) {
		start = latestStart
	}
	return start, end
}
