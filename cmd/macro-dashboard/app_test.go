package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i474232898/macro-dashboard/internal/config"
	"github.com/i474232898/macro-dashboard/internal/indicators"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newYahooServer serves two daily closes for SPY and "Not Found" for every
// other symbol.
func newYahooServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/v8/finance/chart/SPY" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"chart":{"result":[{
			"timestamp":[1704205800,1704292200],
			"indicators":{"quote":[{"close":[472.65,468.79]}]}
		}],"error":null}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewApp_CatalogFillsOnlyOnIngestion(t *testing.T) {
	ctx := context.Background()
	srv := newYahooServer(t)

	a, err := newApp(ctx, discardLogger(), &config.AppConfig{
		DatabaseURL:  "memory",
		YahooBaseURL: srv.URL,
		FetchTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(a.close)

	require.Equal(t, []indicators.Source{indicators.SourceYahoo}, a.engine.Sources())

	listed, err := a.store.List(ctx, indicators.CatalogFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Empty(t, listed, "nothing is known before the first fetch")
	_, err = a.store.Get(ctx, "SPY")
	require.ErrorIs(t, err, indicators.ErrUnknownSeries)

	results, err := a.engine.RefreshAll(ctx, indicators.SourceYahoo)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].Succeeded)
	require.Equal(t, len(a.registry.ForSource(indicators.SourceYahoo))-1, results[0].Failed)
	require.Equal(t, 2, results[0].RecordsAdded)

	spy, err := a.store.Get(ctx, "SPY")
	require.NoError(t, err)
	require.True(t, spy.Active)
	_, ok, err := a.store.Latest(ctx, "SPY")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = a.store.Get(ctx, "^VIX")
	require.ErrorIs(t, err, indicators.ErrUnknownSeries, "a failed fetch leaves the series unknown")

	listed, err = a.store.List(ctx, indicators.CatalogFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	failed, err := a.store.Attempts(ctx, indicators.AttemptFilter{SeriesID: "^VIX"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, indicators.StatusError, failed[0].Status)
}

func TestNewApp_Sources(t *testing.T) {
	ctx := context.Background()

	a, err := newApp(ctx, discardLogger(), &config.AppConfig{DatabaseURL: "memory", FREDAPIKey: "key"})
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.Equal(t, []indicators.Source{indicators.SourceFRED, indicators.SourceYahoo}, a.engine.Sources())

	path := filepath.Join(t.TempDir(), "series.yaml")
	doc := `series:
  - {id: BTC-CG, source: coingecko, code: bitcoin, name: Bitcoin, category: crypto}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	b, err := newApp(ctx, discardLogger(), &config.AppConfig{DatabaseURL: "memory", SeriesFile: path})
	require.NoError(t, err)
	t.Cleanup(b.close)
	require.Equal(t, []indicators.Source{indicators.SourceYahoo, indicators.SourceCoinGecko}, b.engine.Sources())
}
