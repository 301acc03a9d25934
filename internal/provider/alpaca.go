// Package provider wraps the Alpaca market-data bars endpoint. It speaks the
// HTTP API directly so both documented payload shapes — a flat bar array
// tagged per row with its symbol, and a symbol-to-bars mapping — normalize
// into one row format at this boundary, and so rate limiting surfaces as a
// typed, retryable signal instead of an opaque error.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/knectardev/stonxx/internal/domain"
)

// ErrRateLimited signals an HTTP 429 from the upstream API. Callers should
// back off and retry the same request.
var ErrRateLimited = errors.New("rate limited by upstream")

const (
	defaultFeed       = "iex"
	defaultAdjustment = "raw"
	defaultLimit      = 10000
	requestTimeout    = 30 * time.Second
)

// Client fetches multi-symbol bars from the Alpaca data API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	feed       string
	adjustment string
	limit      int
	log        *slog.Logger
}

// ClientOpts configures a Client. BaseURL should point at the data API root
// including the version segment (e.g. https://data.alpaca.markets/v2).
type ClientOpts struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Feed       string // defaults to "iex"
	Adjustment string // defaults to "raw"
	Limit      int    // defaults to 10000
}

// NewClient creates a bars client with the given credentials and endpoint.
func NewClient(opts ClientOpts) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		feed:       opts.Feed,
		adjustment: opts.Adjustment,
		limit:      opts.Limit,
		log:        slog.Default().With("component", "provider"),
	}
	if c.feed == "" {
		c.feed = defaultFeed
	}
	if c.adjustment == "" {
		c.adjustment = defaultAdjustment
	}
	if c.limit <= 0 {
		c.limit = defaultLimit
	}
	return c
}

// barPayload is one bar record on the wire. Alpaca uses single-letter keys;
// the symbol key "S" is present only in the flat-array shape.
type barPayload struct {
	Symbol    string    `json:"S"`
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

type barsEnvelope struct {
	Bars json.RawMessage `json:"bars"`
}

// GetBars fetches bars for the symbol group over [start, end) at the given
// timeframe and returns them as normalized rows with Timeframe stamped in.
// An HTTP 429 is reported as ErrRateLimited; any other non-2xx status is a
// hard error. A malformed or empty payload yields zero rows, not an error.
func (c *Client) GetBars(ctx context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("timeframe", string(tf))
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("adjustment", c.adjustment)
	params.Set("feed", c.feed)
	params.Set("limit", strconv.Itoa(c.limit))

	reqURL := c.baseURL + "/stocks/bars?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building bars request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bars request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("bars request for %d symbols: %w", len(symbols), ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bars request: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading bars response: %w", err)
	}

	return c.normalize(body, tf), nil
}

// normalize decodes either upstream payload shape into flat rows. Anything
// it cannot make sense of is treated as zero rows for this group.
func (c *Client) normalize(body []byte, tf domain.Timeframe) []domain.Bar {
	var env barsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.log.Warn("malformed bars payload", "error", err)
		return nil
	}
	if len(env.Bars) == 0 || string(env.Bars) == "null" {
		return nil
	}

	// Shape A: {"bars":[{"S":"SYM","t":"...","o":...}, ...]}
	var flat []barPayload
	if err := json.Unmarshal(env.Bars, &flat); err == nil {
		var out []domain.Bar
		for _, p := range flat {
			if p.Symbol == "" {
				continue
			}
			out = append(out, toBar(p.Symbol, tf, p))
		}
		return out
	}

	// Shape B: {"bars":{"SYM":[{...}, ...], "SYM2":[...]}}
	var grouped map[string][]barPayload
	if err := json.Unmarshal(env.Bars, &grouped); err == nil {
		var out []domain.Bar
		for sym, payloads := range grouped {
			for _, p := range payloads {
				out = append(out, toBar(sym, tf, p))
			}
		}
		return out
	}

	c.log.Warn("unrecognised bars payload shape")
	return nil
}

func toBar(symbol string, tf domain.Timeframe, p barPayload) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: p.Timestamp.Unix(),
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
}
