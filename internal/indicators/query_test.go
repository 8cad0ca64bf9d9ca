package indicators_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/macro-dashboard/internal/indicators"
	"github.com/i474232898/macro-dashboard/internal/store"
)

type staticDashboards map[string]indicators.Dashboard

func (d staticDashboards) Dashboard(slug string) (indicators.Dashboard, bool) {
	v, ok := d[slug]
	return v, ok
}

var queryNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

func newQueryFixture(t *testing.T) (*indicators.QueryService, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	for _, m := range []indicators.SeriesMetadata{
		{ID: "UNRATE", Name: "Unemployment Rate", Category: "economy", Unit: "percent", Source: indicators.SourceFRED, Frequency: "monthly"},
		{ID: "T10Y2Y", Name: "10Y-2Y Yield Spread", Category: "economy", Unit: "percent", Source: indicators.SourceFRED},
		{ID: "SPY", Name: "S&P 500 ETF", Category: "market", Unit: "price", Source: indicators.SourceYahoo},
	} {
		_, err := s.Register(ctx, m)
		require.NoError(t, err)
	}

	for _, p := range []indicators.Point{
		{SeriesID: "UNRATE", Timestamp: queryNow.AddDate(-2, 0, 0), Value: 3.5, Source: indicators.SourceFRED, Frequency: "monthly"},
		{SeriesID: "UNRATE", Timestamp: queryNow.AddDate(0, -2, 0), Value: 3.9, Source: indicators.SourceFRED, Frequency: "monthly"},
		{SeriesID: "UNRATE", Timestamp: queryNow.AddDate(0, -1, 0), Value: 4.0, Source: indicators.SourceFRED, Frequency: "monthly"},
		{SeriesID: "T10Y2Y", Timestamp: queryNow.AddDate(0, 0, -1), Value: 0, Source: indicators.SourceFRED, Frequency: "daily"},
	} {
		_, err := s.UpsertIfAbsent(ctx, p)
		require.NoError(t, err)
	}

	q, err := indicators.NewQueryService(indicators.QueryConfig{
		Catalog:    s,
		Points:     s,
		RefreshLog: s,
		Dashboards: staticDashboards{
			"recession-watch": {
				Slug:        "recession-watch",
				Name:        "recession_watch",
				Description: "Key recession indicators",
				Indicators:  []string{"T10Y2Y", "UNRATE", "SPY", "INDPRO"},
			},
		},
		Clock: clockwork.NewFakeClockAt(queryNow),
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, s
}

func TestQuery_TimeSeriesDefaults(t *testing.T) {
	q, _ := newQueryFixture(t)

	ts, err := q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "UNRATE"})
	require.NoError(t, err)
	require.Equal(t, queryNow, ts.End)
	require.Equal(t, queryNow.Add(-indicators.DefaultQueryWindow), ts.Start)
	require.Equal(t, "Unemployment Rate", ts.Name)
	require.Equal(t, "monthly", ts.Frequency)
	require.Len(t, ts.Points, 2, "points older than a year are outside the default window")
	require.Equal(t, 3.9, ts.Points[0].Value)
	require.Equal(t, 4.0, ts.Points[1].Value)
}

func TestQuery_TimeSeriesExplicitRangeAndLimit(t *testing.T) {
	q, _ := newQueryFixture(t)
	start := queryNow.AddDate(-3, 0, 0)

	ts, err := q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "UNRATE", Start: &start, Limit: 2})
	require.NoError(t, err)
	require.Len(t, ts.Points, 2)
	require.Equal(t, 3.5, ts.Points[0].Value, "truncation keeps the oldest points")
	require.Equal(t, 3.9, ts.Points[1].Value)

	ts, err = q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "UNRATE", Limit: indicators.MaxQueryLimit})
	require.NoError(t, err)
	require.Len(t, ts.Points, 2)
}

func TestQuery_TimeSeriesValidation(t *testing.T) {
	q, _ := newQueryFixture(t)
	ctx := context.Background()

	_, err := q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "UNRATE", Limit: indicators.MaxQueryLimit + 1})
	require.ErrorIs(t, err, indicators.ErrInvalidLimit)

	_, err = q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "UNRATE", Limit: -1})
	require.ErrorIs(t, err, indicators.ErrInvalidLimit)

	start, end := queryNow, queryNow.AddDate(0, 0, -1)
	_, err = q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "UNRATE", Start: &start, End: &end})
	require.ErrorIs(t, err, indicators.ErrInvalidRange)

	_, err = q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "NOPE"})
	require.ErrorIs(t, err, indicators.ErrUnknownSeries)
}

func TestQuery_TimeSeriesUnknownSeriesBeforeValidation(t *testing.T) {
	q, _ := newQueryFixture(t)
	ctx := context.Background()

	_, err := q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "NOPE", Limit: -1})
	require.ErrorIs(t, err, indicators.ErrUnknownSeries)
	require.NotErrorIs(t, err, indicators.ErrInvalidLimit)

	start, end := queryNow, queryNow.AddDate(0, 0, -1)
	_, err = q.TimeSeries(ctx, indicators.TimeSeriesQuery{SeriesID: "NOPE", Start: &start, End: &end})
	require.ErrorIs(t, err, indicators.ErrUnknownSeries)
	require.NotErrorIs(t, err, indicators.ErrInvalidRange)
}

func TestQuery_MaxLimitIsCapped(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Register(context.Background(), indicators.SeriesMetadata{ID: "UNRATE", Name: "Unemployment Rate", Source: indicators.SourceFRED})
	require.NoError(t, err)

	q, err := indicators.NewQueryService(indicators.QueryConfig{
		Catalog:  s,
		Points:   s,
		MaxLimit: 100000,
		Clock:    clockwork.NewFakeClockAt(queryNow),
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)

	_, err = q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "UNRATE", Limit: indicators.MaxQueryLimit + 1})
	require.ErrorIs(t, err, indicators.ErrInvalidLimit)

	_, err = q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "UNRATE", Limit: indicators.MaxQueryLimit})
	require.NoError(t, err)
}

func TestQuery_TimeSeriesKnownSeriesWithoutData(t *testing.T) {
	q, _ := newQueryFixture(t)

	ts, err := q.TimeSeries(context.Background(), indicators.TimeSeriesQuery{SeriesID: "SPY"})
	require.NoError(t, err)
	require.NotNil(t, ts.Points)
	require.Empty(t, ts.Points)
	require.Equal(t, "unknown", ts.Frequency)
}

func TestQuery_Latest(t *testing.T) {
	q, _ := newQueryFixture(t)
	ctx := context.Background()

	lv, err := q.Latest(ctx, "T10Y2Y")
	require.NoError(t, err)
	require.True(t, lv.HasValue(), "zero is a legitimate value")
	require.Equal(t, 0.0, *lv.Value)
	require.Equal(t, queryNow.AddDate(0, 0, -1), *lv.Timestamp)

	lv, err = q.Latest(ctx, "SPY")
	require.NoError(t, err)
	require.False(t, lv.HasValue())
	require.Nil(t, lv.Timestamp)
	require.Equal(t, "S&P 500 ETF", lv.Name)

	_, err = q.Latest(ctx, "NOPE")
	require.ErrorIs(t, err, indicators.ErrUnknownSeries)
}

func TestQuery_Dashboard(t *testing.T) {
	q, _ := newQueryFixture(t)
	ctx := context.Background()

	view, err := q.Dashboard(ctx, "recession-watch")
	require.NoError(t, err)
	require.Equal(t, "recession_watch", view.Dashboard)
	require.Len(t, view.Indicators, 2)
	require.Contains(t, view.Indicators, "T10Y2Y")
	require.Equal(t, 4.0, *view.Indicators["UNRATE"].Value)
	require.NotContains(t, view.Indicators, "SPY")
	require.NotContains(t, view.Indicators, "INDPRO")

	_, err = q.Dashboard(ctx, "nope")
	require.ErrorIs(t, err, indicators.ErrUnknownDashboard)
}

func TestQuery_ListAndCategories(t *testing.T) {
	q, s := newQueryFixture(t)
	ctx := context.Background()

	list, err := q.ListSeries(ctx, "economy", "")
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = q.ListSeries(ctx, "", indicators.SourceYahoo)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.SetActive(ctx, "SPY", false))
	cats, err := q.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, []indicators.CategoryCount{{Category: "economy", Count: 2}}, cats)
}

func TestQuery_RefreshHistory(t *testing.T) {
	q, s := newQueryFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendAttempt(ctx, indicators.RefreshAttempt{Source: indicators.SourceFRED, SeriesID: "UNRATE", Status: indicators.StatusSuccess, RecordsAdded: i})
		require.NoError(t, err)
	}

	attempts, err := q.RefreshHistory(ctx, indicators.AttemptFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 2, attempts[0].RecordsAdded)

	attempts, err = q.RefreshHistory(ctx, indicators.AttemptFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 3)
}
