package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"github.com/knectardev/stonxx/internal/util"
)

// Calendar answers trading-day questions via the Alpaca trading API.
type Calendar struct {
	client *alpaca.Client
}

// NewCalendar creates a Calendar with the given trading-API credentials.
func NewCalendar(apiKey, apiSecret, baseURL string) *Calendar {
	return &Calendar{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// LatestFinishedTradingDay returns the most recent trading day whose market
// session has ended (after 20:05 ET, so extended-hours data has settled).
func (c *Calendar) LatestFinishedTradingDay(ctx context.Context) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}

	now := time.Now().In(et)

	var days []alpaca.CalendarDay
	err = util.Retry(ctx, 3, 2*time.Second, func() error {
		var err error
		days, err = c.client.GetCalendar(alpaca.GetCalendarRequest{
			Start: now.AddDate(0, 0, -7),
			End:   now,
		})
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format("2006-01-02")
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)

	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		if day.Date == today {
			if now.After(cutoff) {
				t, _ := time.Parse("2006-01-02", day.Date)
				return t, nil
			}
			continue
		}
		dayDate, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			continue
		}
		if dayDate.Before(now) {
			return dayDate, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
