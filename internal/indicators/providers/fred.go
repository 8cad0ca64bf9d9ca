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

	"github.com/i474232898/macro-dashboard/internal/common"
	"github.com/i474232898/macro-dashboard/internal/indicators"
)

const fredDefaultBaseURL = "https://api.stlouisfed.org"

// FREDAdapter fetches economic series from the FRED observations API.
type FREDAdapter struct {
	cfg     Config
	circuit *gobreaker.CircuitBreaker
}

func NewFREDAdapter(cfg Config) *FREDAdapter {
	return &FREDAdapter{
		cfg:     cfg.withDefaults(fredDefaultBaseURL),
		circuit: newCircuitBreaker("fred"),
	}
}

func (a *FREDAdapter) Source() indicators.Source {
	return indicators.SourceFRED
}

func (a *FREDAdapter) Delay() time.Duration {
	return a.cfg.Delay
}

// Fetch returns observations of seriesID from since onward (full history when
// since is zero). Missing values (".") are dropped.
func (a *FREDAdapter) Fetch(ctx context.Context, seriesID string, since time.Time) ([]indicators.RawObservation, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: FRED API key is not configured", indicators.ErrSourceUnavailable)
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("series_id", seriesID)
		values.Set("api_key", a.cfg.APIKey)
		values.Set("file_type", "json")
		values.Set("sort_order", "asc")
		if !since.IsZero() {
			values.Set("observation_start", since.UTC().Format(time.DateOnly))
		}

		u := fmt.Sprintf("%s/fred/series/observations?%s", strings.TrimRight(a.cfg.BaseURL, "/"), values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, a.cfg.Client, a.cfg.Backoff, a.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
		Observations []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		} `json:"observations"`
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// FRED reports unknown series as 400 with an explanatory message.
		_ = decodeJSON(resp, &payload)
		msg := strings.ToLower(payload.ErrorMessage)
		if resp.StatusCode == http.StatusNotFound || common.HasAny(msg, "does not exist", "not found") {
			return nil, fmt.Errorf("%w: %s", indicators.ErrSeriesNotFound, seriesID)
		}
		if payload.ErrorMessage != "" {
			return nil, fmt.Errorf("%w: HTTP %d: %s", indicators.ErrSourceUnavailable, resp.StatusCode, payload.ErrorMessage)
		}
		return nil, fmt.Errorf("%w: HTTP %d", indicators.ErrSourceUnavailable, resp.StatusCode)
	}

	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}

	obs := make([]indicators.RawObservation, 0, len(payload.Observations))
	for _, o := range payload.Observations {
		v, ok := parseFREDValue(o.Value)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.DateOnly, o.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: observation date %q", indicators.ErrMalformedResponse, o.Date)
		}
		obs = append(obs, indicators.RawObservation{Timestamp: ts, Value: v})
	}

	sortObservations(obs)
	return obs, nil
}

// parseFREDValue reports false for FRED's missing-value marker and anything
// that is not a finite number.
func parseFREDValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
