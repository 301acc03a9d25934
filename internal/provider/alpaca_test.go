package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/knectardev/stonxx/internal/domain"
)

func newTestClient(serverURL string) *Client {
	return NewClient(ClientOpts{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	})
}

func TestGetBarsFlatShape(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"timeframe":  q.Get("timeframe"),
			"symbols":    q.Get("symbols"),
			"adjustment": q.Get("adjustment"),
			"feed":       q.Get("feed"),
		}
		if r.Header.Get("APCA-API-KEY-ID") != "test-key" {
			t.Errorf("missing API key header")
		}
		w.Write([]byte(`{"bars":[
			{"S":"AAPL","t":"2024-01-02T14:30:00Z","o":185.0,"h":186.5,"l":184.0,"c":185.5,"v":50000},
			{"S":"MSFT","t":"2024-01-02T14:30:00Z","o":370.0,"h":371.0,"l":369.0,"c":370.5,"v":30000},
			{"t":"2024-01-02T14:31:00Z","o":1,"h":1,"l":1,"c":1,"v":1}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	bars, err := c.GetBars(context.Background(), []string{"AAPL", "MSFT"}, domain.OneMin, start, end)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}

	// The untagged third record has no symbol and must be dropped.
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[0].Symbol != "AAPL" || bars[0].Close != 185.5 {
		t.Errorf("first bar = %+v", bars[0])
	}
	if bars[0].Timeframe != domain.OneMin {
		t.Errorf("Timeframe not stamped: %q", bars[0].Timeframe)
	}
	wantTS := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()
	if bars[0].Timestamp != wantTS {
		t.Errorf("Timestamp = %d, want %d", bars[0].Timestamp, wantTS)
	}

	if gotQuery["timeframe"] != "1Min" {
		t.Errorf("timeframe param = %q, want 1Min", gotQuery["timeframe"])
	}
	if gotQuery["symbols"] != "AAPL,MSFT" {
		t.Errorf("symbols param = %q, want AAPL,MSFT", gotQuery["symbols"])
	}
	if gotQuery["adjustment"] != "raw" || gotQuery["feed"] != "iex" {
		t.Errorf("adjustment/feed = %q/%q, want raw/iex", gotQuery["adjustment"], gotQuery["feed"])
	}
}

func TestGetBarsMappedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars":{
			"AAPL":[{"t":"2024-01-02T14:30:00Z","o":185.0,"h":186.5,"l":184.0,"c":185.5,"v":50000}],
			"MSFT":[
				{"t":"2024-01-02T14:30:00Z","o":370.0,"h":371.0,"l":369.0,"c":370.5,"v":30000},
				{"t":"2024-01-02T14:31:00Z","o":370.5,"h":372.0,"l":370.0,"c":371.5,"v":20000}
			]
		}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	bars, err := c.GetBars(context.Background(), []string{"AAPL", "MSFT"}, domain.FiveMin,
		time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}

	var symbols []string
	for _, b := range bars {
		symbols = append(symbols, b.Symbol)
		if b.Timeframe != domain.FiveMin {
			t.Errorf("Timeframe = %q, want 5Min", b.Timeframe)
		}
	}
	sort.Strings(symbols)
	if symbols[0] != "AAPL" || symbols[2] != "MSFT" {
		t.Errorf("symbols = %v", symbols)
	}
}

func TestGetBarsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetBars(context.Background(), []string{"AAPL"}, domain.OneMin,
		time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestGetBarsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"forbidden"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetBars(context.Background(), []string{"AAPL"}, domain.OneMin,
		time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected hard error for 403")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatal("403 must not be classified as rate limiting")
	}
}

func TestGetBarsMalformedOrEmptyPayload(t *testing.T) {
	payloads := []string{
		`{}`,
		`{"bars":null}`,
		`{"bars":"garbage"}`,
		`not json at all`,
		`{"bars":[]}`,
	}
	for _, payload := range payloads {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(payload))
		}))
		c := newTestClient(srv.URL)
		bars, err := c.GetBars(context.Background(), []string{"AAPL"}, domain.OneMin,
			time.Now().Add(-time.Hour), time.Now())
		srv.Close()

		if err != nil {
			t.Errorf("payload %q: err = %v, want nil (treated as zero rows)", payload, err)
		}
		if len(bars) != 0 {
			t.Errorf("payload %q: got %d bars, want 0", payload, len(bars))
		}
	}
}

func TestGetBarsEmptySymbolGroup(t *testing.T) {
	c := newTestClient("http://unused.invalid")
	bars, err := c.GetBars(context.Background(), nil, domain.OneMin, time.Now(), time.Now())
	if err != nil || bars != nil {
		t.Errorf("empty group should short-circuit, got bars=%v err=%v", bars, err)
	}
}
