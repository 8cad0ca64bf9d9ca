package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/macro-dashboard/internal/indicators"
	"github.com/i474232898/macro-dashboard/internal/store"
)

var fixedNow = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

type stubAdapter struct {
	source indicators.Source
	obs    []indicators.RawObservation
	block  bool
}

func (a stubAdapter) Source() indicators.Source { return a.source }

func (a stubAdapter) Delay() time.Duration { return 0 }

func (a stubAdapter) Fetch(ctx context.Context, _ string, _ time.Time) ([]indicators.RawObservation, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.obs, nil
}

type dashboards map[string]indicators.Dashboard

func (d dashboards) Dashboard(slug string) (indicators.Dashboard, bool) {
	v, ok := d[slug]
	return v, ok
}

type fixture struct {
	app   *fiber.App
	store *store.MemoryStore
}

func newFixture(t *testing.T, jobTimeout time.Duration, adapters ...indicators.Adapter) fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()

	for _, m := range []indicators.SeriesMetadata{
		{ID: "UNRATE", Name: "Unemployment Rate", Category: "economy", Unit: "percent", Source: indicators.SourceFRED, Frequency: "monthly"},
		{ID: "T10Y2Y", Name: "10Y-2Y Yield Spread", Category: "economy", Unit: "percent", Source: indicators.SourceFRED, Frequency: "daily"},
		{ID: "^VIX", Name: "VIX", Category: "sentiment", Unit: "index", Source: indicators.SourceYahoo},
	} {
		_, err := s.Register(ctx, m)
		require.NoError(t, err)
	}
	for i, v := range []float64{3.7, 3.8, 3.9} {
		_, err := s.UpsertIfAbsent(ctx, indicators.Point{
			SeriesID:  "UNRATE",
			Timestamp: fixedNow.AddDate(0, -3+i, 0),
			Value:     v,
			Source:    indicators.SourceFRED,
			Frequency: "monthly",
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertIfAbsent(ctx, indicators.Point{SeriesID: "T10Y2Y", Timestamp: fixedNow.AddDate(0, 0, -1), Value: 0, Source: indicators.SourceFRED, Frequency: "daily"})
	require.NoError(t, err)

	query, err := indicators.NewQueryService(indicators.QueryConfig{
		Catalog:    s,
		Points:     s,
		RefreshLog: s,
		Dashboards: dashboards{"recession-watch": {Slug: "recession-watch", Name: "recession_watch", Indicators: []string{"UNRATE", "T10Y2Y", "^VIX"}}},
		Clock:      clockwork.NewFakeClockAt(fixedNow),
	})
	require.NoError(t, err)
	t.Cleanup(query.Close)

	engine, err := indicators.NewEngine(indicators.EngineConfig{
		Logger:     logger,
		Catalog:    s,
		Points:     s,
		RefreshLog: s,
		Adapters:   adapters,
		Definitions: []indicators.SeriesMetadata{
			{ID: "DGS10", Name: "10-Year Treasury Rate", Category: "economy", Source: indicators.SourceFRED},
		},
	})
	require.NoError(t, err)

	jobs, err := indicators.NewRefreshJobs(indicators.JobsConfig{Logger: logger, Refresher: engine, Timeout: jobTimeout})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler, UnescapePath: true})
	RegisterRoutes(app, Services{Query: query, Jobs: jobs, Store: s, WaitTimeout: 2 * time.Second})
	return fixture{app: app, store: s}
}

func (f fixture) do(t *testing.T, method, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, target, nil), 5000)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestListIndicators(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, body := f.do(t, http.MethodGet, "/api/indicators")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []indicators.SeriesMetadata
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 3)

	resp, body = f.do(t, http.MethodGet, "/api/indicators?source=market")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var market []indicators.SeriesMetadata
	require.NoError(t, json.Unmarshal(body, &market))
	require.Len(t, market, 1)
	require.Equal(t, "^VIX", market[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/api/indicators?source=bloomberg")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetIndicator(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, body := f.do(t, http.MethodGet, "/api/indicators/%5EVIX")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"indicator_id":"^VIX"`)

	resp, body = f.do(t, http.MethodGet, "/api/indicators/NOPE")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.JSONEq(t, `{"error":true,"message":"Indicator not found"}`, string(body))
}

func TestTimeSeries(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, body := f.do(t, http.MethodGet, "/api/indicators/UNRATE/timeseries?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ts struct {
		SeriesID  string `json:"indicator_id"`
		Frequency string `json:"frequency"`
		Data      []struct {
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &ts))
	require.Equal(t, "UNRATE", ts.SeriesID)
	require.Equal(t, "monthly", ts.Frequency)
	require.Len(t, ts.Data, 2)
	require.Equal(t, 3.7, ts.Data[0].Value)
	require.Equal(t, 3.8, ts.Data[1].Value)

	resp, body = f.do(t, http.MethodGet, "/api/indicators/%5EVIX/timeseries?start=2020-01-01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"data":[]`)
}

func TestTimeSeriesValidation(t *testing.T) {
	f := newFixture(t, time.Second)

	for _, target := range []string{
		"/api/indicators/UNRATE/timeseries?limit=50001",
		"/api/indicators/UNRATE/timeseries?limit=0",
		"/api/indicators/UNRATE/timeseries?limit=-5",
		"/api/indicators/UNRATE/timeseries?limit=many",
		"/api/indicators/UNRATE/timeseries?start=yesterday",
		"/api/indicators/UNRATE/timeseries?start=2024-06-01&end=2024-01-01",
	} {
		resp, _ := f.do(t, http.MethodGet, target)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, target)
	}

	resp, _ := f.do(t, http.MethodGet, "/api/indicators/UNRATE/timeseries?limit=50000")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, target := range []string{
		"/api/indicators/NOPE/timeseries",
		"/api/indicators/NOPE/timeseries?limit=0",
		"/api/indicators/NOPE/timeseries?limit=many",
		"/api/indicators/NOPE/timeseries?start=2024-06-01&end=2024-01-01",
	} {
		resp, _ := f.do(t, http.MethodGet, target)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, target)
	}
}

func TestEmptyTextFieldsAreSerialized(t *testing.T) {
	f := newFixture(t, time.Second)
	_, err := f.store.Register(context.Background(), indicators.SeriesMetadata{
		ID: "ETH-USD", Name: "Ethereum", Category: "crypto", Source: indicators.SourceYahoo,
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/indicators/ETH-USD")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(body, &meta))
	for _, key := range []string{"description", "subcategory", "unit"} {
		require.Contains(t, meta, key)
		require.Equal(t, "", meta[key])
	}

	resp, body = f.do(t, http.MethodGet, "/api/indicators/ETH-USD/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var latest map[string]any
	require.NoError(t, json.Unmarshal(body, &latest))
	require.Contains(t, latest, "unit")
	require.Equal(t, "", latest["unit"])
}

func TestLatest_UnknownVersusEmpty(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, _ := f.do(t, http.MethodGet, "/api/indicators/NOPE/latest")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/indicators/%5EVIX/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty map[string]any
	require.NoError(t, json.Unmarshal(body, &empty))
	require.Contains(t, empty, "latest_value")
	require.Nil(t, empty["latest_value"])
	require.Nil(t, empty["timestamp"])

	resp, body = f.do(t, http.MethodGet, "/api/indicators/T10Y2Y/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var zero map[string]any
	require.NoError(t, json.Unmarshal(body, &zero))
	require.Equal(t, 0.0, zero["latest_value"])
}

func TestCategoriesAndDashboards(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, body := f.do(t, http.MethodGet, "/api/categories")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[{"category":"economy","count":2},{"category":"sentiment","count":1}]`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/dashboards/recession-watch")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view indicators.DashboardView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, "recession_watch", view.Dashboard)
	require.Len(t, view.Indicators, 2)

	resp, _ = f.do(t, http.MethodGet, "/api/dashboards/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndRoot(t *testing.T) {
	f := newFixture(t, time.Second)

	resp, body := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"healthy","database":"connected","total_indicators":3}`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")
}

func TestRefresh_AsyncJob(t *testing.T) {
	fred := stubAdapter{source: indicators.SourceFRED, obs: []indicators.RawObservation{
		{Timestamp: fixedNow.AddDate(0, 0, -2), Value: 4.2},
	}}
	f := newFixture(t, time.Second, fred)

	resp, body := f.do(t, http.MethodPost, "/api/refresh?source=fred")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job indicators.RefreshJob
	require.NoError(t, json.Unmarshal(body, &job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, "/api/refresh/"+job.ID, resp.Header.Get("Location"))

	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/api/refresh/"+job.ID)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var polled indicators.RefreshJob
		return json.Unmarshal(body, &polled) == nil && polled.Status == indicators.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/api/refresh-log?source=fred")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var attempts []indicators.RefreshAttempt
	require.NoError(t, json.Unmarshal(body, &attempts))
	require.NotEmpty(t, attempts)

	resp, _ = f.do(t, http.MethodGet, "/api/refresh/unknown")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefresh_WaitAndSourceValidation(t *testing.T) {
	fred := stubAdapter{source: indicators.SourceFRED, obs: []indicators.RawObservation{
		{Timestamp: fixedNow.AddDate(0, 0, -2), Value: 4.2},
		{Timestamp: fixedNow.AddDate(0, 0, -1), Value: 4.3},
	}}
	f := newFixture(t, time.Second, fred)

	resp, body := f.do(t, http.MethodPost, "/api/refresh?source=fred&wait=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job indicators.RefreshJob
	require.NoError(t, json.Unmarshal(body, &job))
	require.Equal(t, indicators.JobSucceeded, job.Status)
	require.Len(t, job.Results, 1)
	// DGS10 and UNRATE gain two points each; T10Y2Y already holds the later one.
	require.Equal(t, 5, job.Results[0].RecordsAdded)

	resp, _ = f.do(t, http.MethodPost, "/api/refresh?source=nasdaq")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/refresh?source=market")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "no adapter configured for market")
}

func TestRefresh_WaitTimesOut(t *testing.T) {
	fred := stubAdapter{source: indicators.SourceFRED, block: true}
	f := newFixture(t, 50*time.Millisecond, fred)

	resp, body := f.do(t, http.MethodPost, "/api/refresh?wait=true")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var job indicators.RefreshJob
	require.NoError(t, json.Unmarshal(body, &job))
	require.Equal(t, indicators.JobTimedOut, job.Status)
}
