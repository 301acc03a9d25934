// Package httpapi exposes the dashboard's JSON API: read-only views over the
// bar store, ingest status, and control endpoints for the realtime scheduler
// and on-demand launches.
package httpapi

// StockJSON summarises one symbol's stored coverage for the stocks list.
type StockJSON struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	RangeStartTS int64   `json:"range_start_ts"`
	RangeEndTS   int64   `json:"range_end_ts"`
	BarCount     int64   `json:"bar_count"`
	Rating       int     `json:"rating"`
}

// StocksResponse lists all symbols with fine-resolution data.
type StocksResponse struct {
	Stocks  []StockJSON `json:"stocks"`
	Message string      `json:"message,omitempty"`
}

// BarJSON is one bar with both the raw timestamp and an ISO-8601 rendering.
type BarJSON struct {
	Timestamp int64   `json:"timestamp"`
	Datetime  string  `json:"datetime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

// RangeJSON is a symbol's stored coverage interval.
type RangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BarsResponse carries bars for one symbol and timeframe.
type BarsResponse struct {
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	Bars      []BarJSON  `json:"bars"`
	Count     int        `json:"count"`
	DateRange *RangeJSON `json:"date_range,omitempty"`
}

// RunJSON is one ingest run with display-ready timestamps.
type RunJSON struct {
	ID           int64  `json:"id"`
	Timeframe    string `json:"timeframe"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	EndedAt      string `json:"ended_at,omitempty"`
	WindowStart  string `json:"window_start,omitempty"`
	WindowEnd    string `json:"window_end,omitempty"`
	InsertedRows int64  `json:"inserted_rows"`
	PID          int    `json:"pid"`
}

// IngestStatusResponse reports running runs, the most recent finished run
// per timeframe, and worst-case freshness per timeframe.
type IngestStatusResponse struct {
	Running      []RunJSON           `json:"running"`
	LastFinished map[string]*RunJSON `json:"last_finished"`
	Freshness    map[string]string   `json:"freshness"`
}

// LaunchRequest asks for a detached ingest launch.
type LaunchRequest struct {
	Mode       string   `json:"mode"`
	Timeframes []string `json:"timeframes,omitempty"`
}

// LaunchResponse reports a launch outcome. AlreadyRunning is advisory: a
// catch-up is launched even when one is in flight, so a human can always
// queue another.
type LaunchResponse struct {
	Launched       bool     `json:"launched"`
	Mode           string   `json:"mode"`
	Timeframes     []string `json:"timeframes,omitempty"`
	AlreadyRunning []string `json:"already_running,omitempty"`
}

// SchedulerResponse reports the realtime scheduler's state.
type SchedulerResponse struct {
	Running bool `json:"running"`
}

// RatingRequest sets a symbol's 0-5 rating.
type RatingRequest struct {
	Rating int `json:"rating"`
}

// RatingResponse echoes the stored rating after clamping.
type RatingResponse struct {
	Symbol string `json:"symbol"`
	Rating int    `json:"rating"`
}
