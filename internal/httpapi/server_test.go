package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/knectardev/stonxx/internal/domain"
	"github.com/knectardev/stonxx/internal/store"
)

type fakeScheduler struct {
	running bool
	starts  int
	stops   int
}

func (f *fakeScheduler) Start() {
	f.starts++
	f.running = true
}

func (f *fakeScheduler) Stop() {
	f.stops++
	f.running = false
}

func (f *fakeScheduler) Running() bool { return f.running }

type fakeLauncher struct {
	catchups  [][]domain.Timeframe
	backfills int
	err       error
}

func (f *fakeLauncher) LaunchCatchup(tfs []domain.Timeframe) error {
	if f.err != nil {
		return f.err
	}
	f.catchups = append(f.catchups, tfs)
	return nil
}

func (f *fakeLauncher) LaunchBackfill() error {
	if f.err != nil {
		return f.err
	}
	f.backfills++
	return nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore, *fakeScheduler, *fakeLauncher) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := &fakeScheduler{}
	launcher := &fakeLauncher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(st, st, st, sched, launcher, log), st, sched, launcher
}

func seedBars(t *testing.T, st *store.SQLiteStore, bars ...domain.Bar) {
	t.Helper()
	if _, err := st.InsertBars(context.Background(), bars); err != nil {
		t.Fatalf("seeding bars: %v", err)
	}
}

func bar(symbol string, tf domain.Timeframe, ts int64, px float64) domain.Bar {
	return domain.Bar{
		Symbol: symbol, Timeframe: tf, Timestamp: ts,
		Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 100,
	}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var resp map[string]string
	rec := doJSON(t, srv, "GET", "/health", nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestStocksEmpty(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var resp StocksResponse
	doJSON(t, srv, "GET", "/api/stocks", nil, &resp)
	if len(resp.Stocks) != 0 {
		t.Errorf("stocks = %d, want 0", len(resp.Stocks))
	}
	if resp.Message == "" {
		t.Error("expected a message for an empty database")
	}
}

func TestStocks(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedBars(t, st,
		bar("AAPL", domain.OneMin, 60, 100),
		bar("AAPL", domain.OneMin, 120, 101),
		bar("MSFT", domain.OneMin, 60, 300),
	)
	if _, err := st.SetRating(context.Background(), "AAPL", 4); err != nil {
		t.Fatalf("seeding rating: %v", err)
	}

	var resp StocksResponse
	doJSON(t, srv, "GET", "/api/stocks", nil, &resp)
	if len(resp.Stocks) != 2 {
		t.Fatalf("stocks = %d, want 2", len(resp.Stocks))
	}
	aapl := resp.Stocks[0]
	if aapl.Symbol != "AAPL" {
		t.Fatalf("first symbol = %q, want AAPL (sorted)", aapl.Symbol)
	}
	if aapl.Price != 101 {
		t.Errorf("price = %v, want latest close 101", aapl.Price)
	}
	if aapl.BarCount != 2 || aapl.RangeStartTS != 60 || aapl.RangeEndTS != 120 {
		t.Errorf("range = (%d, %d, %d), want (60, 120, 2)",
			aapl.RangeStartTS, aapl.RangeEndTS, aapl.BarCount)
	}
	if aapl.Rating != 4 {
		t.Errorf("rating = %d, want 4", aapl.Rating)
	}
	if resp.Stocks[1].Rating != 0 {
		t.Errorf("unrated symbol rating = %d, want 0", resp.Stocks[1].Rating)
	}
}

func TestBars(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedBars(t, st,
		bar("AAPL", domain.OneMin, 60, 100),
		bar("AAPL", domain.OneMin, 120, 101),
		bar("AAPL", domain.FiveMin, 300, 102),
	)

	var resp BarsResponse
	doJSON(t, srv, "GET", "/api/bars/AAPL", nil, &resp)
	if resp.Timeframe != "1Min" {
		t.Errorf("timeframe = %q, want default 1Min", resp.Timeframe)
	}
	if resp.Count != 2 || len(resp.Bars) != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Bars[0].Timestamp != 60 || resp.Bars[1].Timestamp != 120 {
		t.Errorf("bars out of order: %v", resp.Bars)
	}
	if resp.Bars[0].Datetime != "1970-01-01T00:01:00Z" {
		t.Errorf("datetime = %q, want ISO-8601 UTC", resp.Bars[0].Datetime)
	}
	if resp.DateRange == nil || resp.DateRange.Start != "1970-01-01T00:01:00Z" {
		t.Errorf("date range = %+v", resp.DateRange)
	}

	var tfResp BarsResponse
	doJSON(t, srv, "GET", "/api/bars/AAPL?timeframe=5m", nil, &tfResp)
	if tfResp.Timeframe != "5Min" || tfResp.Count != 1 {
		t.Errorf("5m query: timeframe = %q count = %d", tfResp.Timeframe, tfResp.Count)
	}
}

func TestBarsLimit(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedBars(t, st,
		bar("AAPL", domain.OneMin, 60, 100),
		bar("AAPL", domain.OneMin, 120, 101),
		bar("AAPL", domain.OneMin, 180, 102),
	)

	var resp BarsResponse
	doJSON(t, srv, "GET", "/api/bars/AAPL?limit=2", nil, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	// Limit keeps the most recent bars, still ascending.
	if resp.Bars[0].Timestamp != 120 || resp.Bars[1].Timestamp != 180 {
		t.Errorf("limited bars = %v, want the two newest ascending", resp.Bars)
	}
}

func TestBarsBadParams(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	if rec := doJSON(t, srv, "GET", "/api/bars/AAPL?timeframe=2h", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad timeframe status = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, srv, "GET", "/api/bars/AAPL?limit=x", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestSetRating(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var resp RatingResponse
	doJSON(t, srv, "PUT", "/api/stocks/AAPL/rating", RatingRequest{Rating: 9}, &resp)
	if resp.Symbol != "AAPL" || resp.Rating != 5 {
		t.Errorf("resp = %+v, want rating clamped to 5", resp)
	}

	rec := doJSON(t, srv, "PUT", "/api/stocks/AAPL/rating", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
}

func TestIngestStatus(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()

	doneID, err := st.CreateRun(ctx, domain.OneMin, domain.ModeCatchup, 0, 600, 111)
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := st.IncrementRunRows(ctx, doneID, 42); err != nil {
		t.Fatalf("incrementing: %v", err)
	}
	if err := st.FinishRun(ctx, doneID, domain.RunFinished); err != nil {
		t.Fatalf("finishing run: %v", err)
	}
	if _, err := st.CreateRun(ctx, domain.FiveMin, domain.ModeCatchup, 0, 600, 222); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	seedBars(t, st, bar("AAPL", domain.OneMin, 900, 100))

	var resp IngestStatusResponse
	doJSON(t, srv, "GET", "/api/ingest/status", nil, &resp)

	if len(resp.Running) != 1 || resp.Running[0].Timeframe != "5Min" {
		t.Fatalf("running = %+v, want one 5Min run", resp.Running)
	}
	if resp.Running[0].Status != "running" || resp.Running[0].EndedAt != "" {
		t.Errorf("running run = %+v", resp.Running[0])
	}

	last := resp.LastFinished["1Min"]
	if last == nil || last.InsertedRows != 42 || last.Status != "finished" {
		t.Fatalf("last finished 1Min = %+v, want 42 rows finished", last)
	}
	if resp.LastFinished["30Min"] != nil {
		t.Errorf("last finished 30Min = %+v, want nil", resp.LastFinished["30Min"])
	}

	if got := resp.Freshness["1Min"]; got != "1970-01-01T00:15:00Z" {
		t.Errorf("freshness 1Min = %q", got)
	}
	if got := resp.Freshness["30Min"]; got != "" {
		t.Errorf("freshness 30Min = %q, want empty for no data", got)
	}
}

func TestIngestStartCatchup(t *testing.T) {
	srv, _, _, launcher := newTestServer(t)

	var resp LaunchResponse
	doJSON(t, srv, "POST", "/api/ingest/start", LaunchRequest{Mode: "catchup", Timeframes: []string{"1m", "5m"}}, &resp)
	if !resp.Launched || resp.Mode != "catchup" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(launcher.catchups) != 1 {
		t.Fatalf("catchup launches = %d, want 1", len(launcher.catchups))
	}
	got := launcher.catchups[0]
	if len(got) != 2 || got[0] != domain.OneMin || got[1] != domain.FiveMin {
		t.Errorf("launched timeframes = %v", got)
	}
}

func TestIngestStartDefaultsAllTimeframes(t *testing.T) {
	srv, _, _, launcher := newTestServer(t)

	var resp LaunchResponse
	doJSON(t, srv, "POST", "/api/ingest/start", LaunchRequest{}, &resp)
	if len(launcher.catchups) != 1 || len(launcher.catchups[0]) != 3 {
		t.Fatalf("launches = %+v, want all three timeframes", launcher.catchups)
	}
}

func TestIngestStartAdvisoryDuplicate(t *testing.T) {
	srv, st, _, launcher := newTestServer(t)
	if _, err := st.CreateRun(context.Background(), domain.OneMin, domain.ModeCatchup, 0, 600, 111); err != nil {
		t.Fatalf("creating run: %v", err)
	}

	var resp LaunchResponse
	doJSON(t, srv, "POST", "/api/ingest/start", LaunchRequest{Timeframes: []string{"1m"}}, &resp)
	// In-flight run is reported but never blocks the launch.
	if !resp.Launched {
		t.Fatal("launch blocked by in-flight run")
	}
	if len(resp.AlreadyRunning) != 1 || resp.AlreadyRunning[0] != "1Min" {
		t.Errorf("already_running = %v, want [1Min]", resp.AlreadyRunning)
	}
	if len(launcher.catchups) != 1 {
		t.Errorf("launches = %d, want 1", len(launcher.catchups))
	}
}

func TestIngestStartBackfill(t *testing.T) {
	srv, _, _, launcher := newTestServer(t)

	var resp LaunchResponse
	doJSON(t, srv, "POST", "/api/ingest/start", LaunchRequest{Mode: "backfill"}, &resp)
	if !resp.Launched || resp.Mode != "backfill" {
		t.Fatalf("resp = %+v", resp)
	}
	if launcher.backfills != 1 {
		t.Errorf("backfills = %d, want 1", launcher.backfills)
	}
}

func TestIngestStartBadMode(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/ingest/start", LaunchRequest{Mode: "bogus"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSchedulerControl(t *testing.T) {
	srv, _, sched, _ := newTestServer(t)

	var resp SchedulerResponse
	doJSON(t, srv, "POST", "/api/scheduler/start", nil, &resp)
	if !resp.Running || sched.starts != 1 {
		t.Errorf("after start: running = %v starts = %d", resp.Running, sched.starts)
	}

	doJSON(t, srv, "POST", "/api/scheduler/stop", nil, &resp)
	if resp.Running || sched.stops != 1 {
		t.Errorf("after stop: running = %v stops = %d", resp.Running, sched.stops)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/stocks", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
}
