package indicators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultQueryLimit  = 20000
	MaxQueryLimit      = 50000
	DefaultQueryWindow = 365 * 24 * time.Hour

	defaultMetadataTTL = time.Minute
	unknownFrequency   = "unknown"
)

// TimeSeriesQuery selects points of one series. Nil Start/End and a zero Limit
// take the service defaults.
type TimeSeriesQuery struct {
	SeriesID string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// TimeSeries is the answer to a range query.
type TimeSeries struct {
	SeriesID  string    `json:"indicator_id"`
	Name      string    `json:"name"`
	Frequency string    `json:"frequency"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Points    []Point   `json:"data"`
}

// LatestValue is the newest observation of a known series. Value and
// Timestamp are nil when the series has no data yet.
type LatestValue struct {
	SeriesID  string     `json:"indicator_id"`
	Name      string     `json:"name"`
	Unit      string     `json:"unit"`
	Value     *float64   `json:"latest_value"`
	Timestamp *time.Time `json:"timestamp"`
}

// HasValue reports whether a value is present. A stored 0 is a value.
func (l LatestValue) HasValue() bool {
	return l.Value != nil
}

// Dashboard is a named, statically configured group of series.
type Dashboard struct {
	Slug        string   `json:"slug" yaml:"slug"`
	Name        string   `json:"dashboard" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Indicators  []string `json:"indicators" yaml:"indicators"`
}

// DashboardView carries the latest value of every series of a dashboard that
// has data.
type DashboardView struct {
	Dashboard   string                 `json:"dashboard"`
	Description string                 `json:"description"`
	Indicators  map[string]LatestValue `json:"indicators"`
}

// DashboardSource resolves dashboards by slug.
type DashboardSource interface {
	Dashboard(slug string) (Dashboard, bool)
}

type QueryConfig struct {
	Catalog    Catalog
	Points     PointStore
	RefreshLog RefreshLog
	Dashboards DashboardSource
	Clock      clockwork.Clock

	DefaultLimit int
	MaxLimit     int
	Window       time.Duration
	MetadataTTL  time.Duration
}

// QueryService answers read requests. It never writes and may run alongside
// an in-flight refresh.
type QueryService struct {
	cfg   QueryConfig
	cache *ttlcache.Cache[string, SeriesMetadata]
}

// NewQueryService creates a new QueryService. Call Close to stop the metadata
// cache janitor.
func NewQueryService(cfg QueryConfig) (*QueryService, error) {
	if cfg.Catalog == nil || cfg.Points == nil {
		return nil, errors.New("catalog and point store are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxLimit <= 0 || cfg.MaxLimit > MaxQueryLimit {
		cfg.MaxLimit = MaxQueryLimit
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultQueryLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultQueryWindow
	}
	if cfg.MetadataTTL <= 0 {
		cfg.MetadataTTL = defaultMetadataTTL
	}

	cache := ttlcache.New[string, SeriesMetadata](
		ttlcache.WithTTL[string, SeriesMetadata](cfg.MetadataTTL),
		ttlcache.WithDisableTouchOnHit[string, SeriesMetadata](),
	)
	go cache.Start()

	return &QueryService{cfg: cfg, cache: cache}, nil
}

// Close releases the cache janitor.
func (q *QueryService) Close() {
	q.cache.Stop()
}

// Series returns catalog metadata, or ErrUnknownSeries.
func (q *QueryService) Series(ctx context.Context, id string) (SeriesMetadata, error) {
	if item := q.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	meta, err := q.cfg.Catalog.Get(ctx, id)
	if err != nil {
		return SeriesMetadata{}, err
	}
	q.cache.Set(id, meta, ttlcache.DefaultTTL)
	return meta, nil
}

// ListSeries returns active series matching the filter.
func (q *QueryService) ListSeries(ctx context.Context, category string, source Source) ([]SeriesMetadata, error) {
	return q.cfg.Catalog.List(ctx, CatalogFilter{Category: category, Source: source})
}

// Categories returns active series counts per category.
func (q *QueryService) Categories(ctx context.Context) ([]CategoryCount, error) {
	return q.cfg.Catalog.Categories(ctx)
}

// TimeSeries returns points of a known series in ascending order. An empty
// range yields an empty slice, never an error.
func (q *QueryService) TimeSeries(ctx context.Context, query TimeSeriesQuery) (TimeSeries, error) {
	meta, err := q.Series(ctx, query.SeriesID)
	if err != nil {
		return TimeSeries{}, err
	}

	limit := query.Limit
	if limit == 0 {
		limit = q.cfg.DefaultLimit
	}
	if limit < 1 || limit > q.cfg.MaxLimit {
		return TimeSeries{}, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidLimit, q.cfg.MaxLimit)
	}

	end := q.cfg.Clock.Now().UTC()
	if query.End != nil {
		end = query.End.UTC()
	}
	start := end.Add(-q.cfg.Window)
	if query.Start != nil {
		start = query.Start.UTC()
	}
	if start.After(end) {
		return TimeSeries{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	points, err := q.cfg.Points.Range(ctx, query.SeriesID, start, end, limit)
	if err != nil {
		return TimeSeries{}, err
	}
	if points == nil {
		points = []Point{}
	}

	freq := unknownFrequency
	switch {
	case len(points) > 0 && points[0].Frequency != "":
		freq = points[0].Frequency
	case meta.Frequency != "":
		freq = meta.Frequency
	}

	return TimeSeries{
		SeriesID:  meta.ID,
		Name:      meta.Name,
		Frequency: freq,
		Start:     start,
		End:       end,
		Points:    points,
	}, nil
}

// Latest returns the newest point of a known series. A known series without
// data is not an error.
func (q *QueryService) Latest(ctx context.Context, id string) (LatestValue, error) {
	meta, err := q.Series(ctx, id)
	if err != nil {
		return LatestValue{}, err
	}
	return q.latestFor(ctx, meta)
}

func (q *QueryService) latestFor(ctx context.Context, meta SeriesMetadata) (LatestValue, error) {
	lv := LatestValue{SeriesID: meta.ID, Name: meta.Name, Unit: meta.Unit}

	p, ok, err := q.cfg.Points.Latest(ctx, meta.ID)
	if err != nil {
		return LatestValue{}, err
	}
	if ok {
		v, ts := p.Value, p.Timestamp
		lv.Value = &v
		lv.Timestamp = &ts
	}
	return lv, nil
}

// Dashboard returns the latest values of a dashboard's series. Series that
// are unknown or have no data are left out.
func (q *QueryService) Dashboard(ctx context.Context, slug string) (DashboardView, error) {
	if q.cfg.Dashboards == nil {
		return DashboardView{}, ErrUnknownDashboard
	}
	d, ok := q.cfg.Dashboards.Dashboard(slug)
	if !ok {
		return DashboardView{}, fmt.Errorf("%w: %s", ErrUnknownDashboard, slug)
	}

	view := DashboardView{
		Dashboard:   d.Name,
		Description: d.Description,
		Indicators:  make(map[string]LatestValue, len(d.Indicators)),
	}
	for _, id := range d.Indicators {
		meta, err := q.Series(ctx, id)
		if errors.Is(err, ErrUnknownSeries) {
			continue
		}
		if err != nil {
			return DashboardView{}, err
		}
		lv, err := q.latestFor(ctx, meta)
		if err != nil {
			return DashboardView{}, err
		}
		if lv.HasValue() {
			view.Indicators[id] = lv
		}
	}
	return view, nil
}

// RefreshHistory returns recent refresh attempts, newest first.
func (q *QueryService) RefreshHistory(ctx context.Context, filter AttemptFilter) ([]RefreshAttempt, error) {
	if q.cfg.RefreshLog == nil {
		return []RefreshAttempt{}, nil
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	return q.cfg.RefreshLog.Attempts(ctx, filter)
}
