package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

const (
	coinGeckoDefaultBaseURL = "https://api.coingecko.com"
	// The free tier serves at most a year of daily prices.
	coinGeckoMaxDays = 365
)

// CoinGeckoAdapter fetches USD prices of a coin from CoinGecko's keyless
// market_chart endpoint.
type CoinGeckoAdapter struct {
	cfg     Config
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewCoinGeckoAdapter(cfg Config) *CoinGeckoAdapter {
	return &CoinGeckoAdapter{
		cfg:     cfg.withDefaults(coinGeckoDefaultBaseURL),
		circuit: newCircuitBreaker("coingecko"),
		now:     time.Now,
	}
}

func (a *CoinGeckoAdapter) Source() indicators.Source {
	return indicators.SourceCoinGecko
}

func (a *CoinGeckoAdapter) Delay() time.Duration {
	return a.cfg.Delay
}

// days converts since into the endpoint's look-back window.
func (a *CoinGeckoAdapter) days(since time.Time) int {
	if since.IsZero() {
		return coinGeckoMaxDays
	}
	d := int(math.Ceil(a.now().Sub(since).Hours()/24)) + 1
	if d < 1 {
		d = 1
	}
	if d > coinGeckoMaxDays {
		d = coinGeckoMaxDays
	}
	return d
}

// Fetch returns prices of coinID (a CoinGecko coin id such as "bitcoin").
func (a *CoinGeckoAdapter) Fetch(ctx context.Context, coinID string, since time.Time) ([]indicators.RawObservation, error) {
	days := a.days(since)

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("vs_currency", "usd")
		values.Set("days", strconv.Itoa(days))
		values.Set("interval", "daily")
		if a.cfg.APIKey != "" {
			values.Set("x_cg_demo_api_key", a.cfg.APIKey)
		}

		u := fmt.Sprintf("%s/api/v3/coins/%s/market_chart?%s",
			strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(coinID), values.Encode())
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

	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil, fmt.Errorf("%w: %s", indicators.ErrSeriesNotFound, coinID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("%w: HTTP %d", indicators.ErrSourceUnavailable, resp.StatusCode)
	}

	var payload struct {
		Prices [][]float64 `json:"prices"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}

	obs := make([]indicators.RawObservation, 0, len(payload.Prices))
	for _, p := range payload.Prices {
		if len(p) < 2 {
			continue
		}
		ts := time.UnixMilli(int64(p[0])).UTC()
		// Daily series end with a live "now" price; only closed days are kept.
		if !ts.Equal(ts.Truncate(24 * time.Hour)) {
			continue
		}
		obs = append(obs, indicators.RawObservation{Timestamp: ts, Value: p[1]})
	}

	sortObservations(obs)
	return obs, nil
}
