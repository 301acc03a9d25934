package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/knectardev/stonxx/internal/domain"
	"github.com/knectardev/stonxx/internal/ingest"
	"github.com/knectardev/stonxx/internal/store"
)

// SchedulerControl is the slice of the realtime scheduler the API exposes.
type SchedulerControl interface {
	Start()
	Stop()
	Running() bool
}

// Launcher starts detached ingest work on behalf of launch requests.
type Launcher interface {
	LaunchCatchup(tfs []domain.Timeframe) error
	LaunchBackfill() error
}

// Server serves the dashboard HTTP API. It only reads the bar store and run
// ledger; ingestion is driven exclusively through the launcher and scheduler.
type Server struct {
	bars      store.BarStore
	ledger    store.RunLedger
	ratings   store.RatingStore
	scheduler SchedulerControl
	launcher  Launcher
	log       *slog.Logger
}

// NewServer creates the API server with its store and control dependencies.
func NewServer(
	bars store.BarStore,
	ledger store.RunLedger,
	ratings store.RatingStore,
	scheduler SchedulerControl,
	launcher Launcher,
	log *slog.Logger,
) *Server {
	return &Server{
		bars:      bars,
		ledger:    ledger,
		ratings:   ratings,
		scheduler: scheduler,
		launcher:  launcher,
		log:       log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stocks", s.handleStocks)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("PUT /api/stocks/{symbol}/rating", s.handleSetRating)
	mux.HandleFunc("GET /api/ingest/status", s.handleIngestStatus)
	mux.HandleFunc("POST /api/ingest/start", s.handleIngestStart)
	mux.HandleFunc("POST /api/scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("POST /api/scheduler/stop", s.handleSchedulerStop)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// iso renders a Unix-seconds timestamp as ISO-8601 UTC, or "" for zero.
func iso(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	symbols, err := s.bars.SymbolsWithData(ctx, domain.OneMin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(symbols) == 0 {
		writeJSON(w, StocksResponse{Message: "No symbols in database. Please add historical data first."})
		return
	}

	ranges, err := s.bars.SymbolRanges(ctx, domain.OneMin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ratings, err := s.ratings.Ratings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stocks := make([]StockJSON, 0, len(symbols))
	for _, sym := range symbols {
		latest, err := s.bars.LatestBar(ctx, sym, domain.OneMin)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if latest == nil {
			continue
		}
		rng := ranges[sym]
		stocks = append(stocks, StockJSON{
			Symbol:       sym,
			Price:        latest.Close,
			RangeStartTS: rng.MinTimestamp,
			RangeEndTS:   rng.MaxTimestamp,
			BarCount:     rng.BarCount,
			Rating:       ratings[sym],
		})
	}
	writeJSON(w, StocksResponse{Stocks: stocks})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := r.PathValue("symbol")

	tf := domain.OneMin
	if tfParam := r.URL.Query().Get("timeframe"); tfParam != "" {
		parsed, err := domain.ParseTimeframe(tfParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tf = parsed
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	bars, err := s.bars.Bars(ctx, symbol, tf, 0, 0, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]BarJSON, 0, len(bars))
	for _, b := range bars {
		out = append(out, BarJSON{
			Timestamp: b.Timestamp,
			Datetime:  iso(b.Timestamp),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	resp := BarsResponse{
		Symbol:    symbol,
		Timeframe: string(tf),
		Bars:      out,
		Count:     len(out),
	}
	if len(bars) > 0 {
		resp.DateRange = &RangeJSON{
			Start: iso(bars[0].Timestamp),
			End:   iso(bars[len(bars)-1].Timestamp),
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleSetRating(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")

	var req RatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rating, err := s.ratings.SetRating(r.Context(), symbol, req.Rating)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, RatingResponse{Symbol: symbol, Rating: rating})
}

func runToJSON(run domain.IngestRun) RunJSON {
	return RunJSON{
		ID:           run.ID,
		Timeframe:    string(run.Timeframe),
		Mode:         string(run.Mode),
		Status:       string(run.Status),
		StartedAt:    iso(run.StartedAt),
		EndedAt:      iso(run.EndedAt),
		WindowStart:  iso(run.WindowStart),
		WindowEnd:    iso(run.WindowEnd),
		InsertedRows: run.InsertedRows,
		PID:          run.PID,
	}
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	running, err := s.ledger.RunningRuns(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := IngestStatusResponse{
		Running:      make([]RunJSON, 0, len(running)),
		LastFinished: make(map[string]*RunJSON),
		Freshness:    make(map[string]string),
	}
	for _, run := range running {
		resp.Running = append(resp.Running, runToJSON(run))
	}

	for _, tf := range domain.AllTimeframes() {
		last, err := s.ledger.LastFinishedRun(ctx, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if last != nil {
			j := runToJSON(*last)
			resp.LastFinished[string(tf)] = &j
		} else {
			resp.LastFinished[string(tf)] = nil
		}

		fresh, err := s.bars.Freshness(ctx, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Freshness[string(tf)] = iso(fresh)
	}

	writeJSON(w, resp)
}

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Mode {
	case "", string(domain.ModeCatchup):
		var tfs []domain.Timeframe
		for _, raw := range req.Timeframes {
			tf, err := domain.ParseTimeframe(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			tfs = append(tfs, tf)
		}
		if len(tfs) == 0 {
			tfs = domain.AllTimeframes()
		}

		// Advisory duplicate check only: report in-flight timeframes but
		// launch anyway, so a human can always queue another pass.
		var already []string
		for _, tf := range tfs {
			inFlight, err := s.ledger.HasRunningRun(ctx, tf, domain.ModeCatchup)
			if err != nil {
				s.log.Warn("duplicate-run check failed", "timeframe", tf, "error", err)
				continue
			}
			if inFlight {
				already = append(already, string(tf))
			}
		}

		if err := s.launcher.LaunchCatchup(tfs); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		strs := make([]string, len(tfs))
		for i, tf := range tfs {
			strs[i] = string(tf)
		}
		writeJSON(w, LaunchResponse{
			Launched:       true,
			Mode:           string(domain.ModeCatchup),
			Timeframes:     strs,
			AlreadyRunning: already,
		})

	case string(domain.ModeBackfill):
		if err := s.launcher.LaunchBackfill(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, LaunchResponse{Launched: true, Mode: string(domain.ModeBackfill)})

	default:
		writeError(w, http.StatusBadRequest, "unknown mode: "+req.Mode)
	}
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Start()
	writeJSON(w, SchedulerResponse{Running: s.scheduler.Running()})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, SchedulerResponse{Running: s.scheduler.Running()})
}

// Compile-time checks that the concrete implementations satisfy the control
// interfaces.
var _ SchedulerControl = (*ingest.Scheduler)(nil)
var _ Launcher = (*ingest.Launcher)(nil)
