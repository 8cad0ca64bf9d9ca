package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/macro-dashboard/internal/common"
	"github.com/i474232898/macro-dashboard/internal/indicators"
)

const (
	yahooDefaultBaseURL = "https://query1.finance.yahoo.com"
	// Yahoo rejects requests without a browser-like agent.
	browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
)

// YahooAdapter fetches daily closes from the keyless Yahoo Finance chart API.
type YahooAdapter struct {
	cfg     Config
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewYahooAdapter(cfg Config) *YahooAdapter {
	return &YahooAdapter{
		cfg:     cfg.withDefaults(yahooDefaultBaseURL),
		circuit: newCircuitBreaker("yahoo"),
		now:     time.Now,
	}
}

func (a *YahooAdapter) Source() indicators.Source {
	return indicators.SourceYahoo
}

func (a *YahooAdapter) Delay() time.Duration {
	return a.cfg.Delay
}

type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch returns daily closes of symbol. Bars without a close are skipped and
// an empty result is zero observations, not an error.
func (a *YahooAdapter) Fetch(ctx context.Context, symbol string, since time.Time) ([]indicators.RawObservation, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		var period1 int64
		if !since.IsZero() {
			period1 = since.Unix()
		}
		values.Set("period1", strconv.FormatInt(period1, 10))
		values.Set("period2", strconv.FormatInt(a.now().Unix(), 10))
		values.Set("interval", "1d")
		values.Set("events", "history")

		u := fmt.Sprintf("%s/v8/finance/chart/%s?%s",
			strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(symbol), values.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, a.cfg.Client, a.cfg.Backoff, a.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload yahooChart
	decodeErr := decodeJSON(resp, &payload)

	if e := payload.Chart.Error; e != nil {
		if resp.StatusCode == http.StatusNotFound || common.HasAny(strings.ToLower(e.Code+" "+e.Description), "not found", "delisted") {
			return nil, fmt.Errorf("%w: %s: %s", indicators.ErrSeriesNotFound, symbol, e.Description)
		}
		return nil, fmt.Errorf("%w: %s: %s", indicators.ErrSourceUnavailable, e.Code, e.Description)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", indicators.ErrSeriesNotFound, symbol)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", indicators.ErrSourceUnavailable, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	if len(payload.Chart.Result) == 0 {
		return []indicators.RawObservation{}, nil
	}
	result := payload.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return []indicators.RawObservation{}, nil
	}
	closes := result.Indicators.Quote[0].Close

	obs := make([]indicators.RawObservation, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		obs = append(obs, indicators.RawObservation{
			Timestamp: time.Unix(ts, 0).UTC(),
			Value:     *closes[i],
		})
	}

	sortObservations(obs)
	return obs, nil
}
