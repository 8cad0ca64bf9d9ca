package indicators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/macro-dashboard/internal/metrics"
)

const (
	defaultFetchTimeout = 30 * time.Second
	attemptLogTimeout   = 5 * time.Second
)

// attemptState is the position of one series sync in its state machine:
// fetching -> reconciling -> logged, or fetching -> failed -> logged.
type attemptState string

const (
	stateFetching    attemptState = "fetching"
	stateReconciling attemptState = "reconciling"
	stateFailed      attemptState = "failed"
	stateLogged      attemptState = "logged"
)

// EngineConfig wires the sync engine to its collaborators.
type EngineConfig struct {
	Logger     *slog.Logger
	Catalog    Catalog
	Points     PointStore
	RefreshLog RefreshLog
	Adapters   []Adapter

	// Definitions are the statically configured series. They enter the
	// catalog on their first successful fetch.
	Definitions []SeriesMetadata

	Clock clockwork.Clock

	// FetchTimeout bounds a single adapter call.
	FetchTimeout time.Duration
	// Lookback enables incremental pulls: when a series already has data the
	// adapter is asked for observations since latest-Lookback. Zero always
	// pulls the full history.
	Lookback time.Duration
}

func (c *EngineConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Catalog == nil || c.Points == nil || c.RefreshLog == nil {
		return errors.New("catalog, point store and refresh log are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.Lookback < 0 {
		return errors.New("lookback must not be negative")
	}
	return nil
}

// SourceResult summarizes one refresh of a source.
type SourceResult struct {
	Source       Source           `json:"source"`
	Series       int              `json:"series"`
	Succeeded    int              `json:"succeeded"`
	Failed       int              `json:"failed"`
	RecordsAdded int              `json:"records_added"`
	Attempts     []RefreshAttempt `json:"attempts,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Engine runs refresh cycles: for each series of a source it fetches through
// the adapter, reconciles into the point store and records the outcome.
type Engine struct {
	log      *slog.Logger
	cfg      EngineConfig
	adapters map[Source]Adapter
	locks    map[Source]chan struct{}
}

// NewEngine creates a new Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		adapters: make(map[Source]Adapter, len(cfg.Adapters)),
		locks:    make(map[Source]chan struct{}, len(cfg.Adapters)),
	}
	for _, a := range cfg.Adapters {
		if _, dup := e.adapters[a.Source()]; dup {
			return nil, fmt.Errorf("duplicate adapter for source %s", a.Source())
		}
		e.adapters[a.Source()] = a
		e.locks[a.Source()] = make(chan struct{}, 1)
	}
	return e, nil
}

// Sources returns the sources that have an adapter, in refresh order.
func (e *Engine) Sources() []Source {
	var out []Source
	for _, s := range KnownSources {
		if _, ok := e.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// RefreshAll refreshes the given sources (all configured sources when none
// are given). Sources run concurrently; a failure in one does not stop the
// others.
func (e *Engine) RefreshAll(ctx context.Context, sources ...Source) ([]SourceResult, error) {
	if len(sources) == 0 {
		sources = e.Sources()
	}

	results := make([]SourceResult, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res, err := e.RefreshSource(ctx, src)
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// RefreshSource runs one refresh cycle for a source. Refreshes of the same
// source are serialized. Per-series upstream faults are recorded and skipped;
// only store failures and context expiry abort the batch.
func (e *Engine) RefreshSource(ctx context.Context, source Source) (SourceResult, error) {
	res := SourceResult{Source: source}

	adapter, ok := e.adapters[source]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	if err := e.lock(ctx, source); err != nil {
		return res, e.abortErr(ctx, err)
	}
	defer e.unlock(source)

	series, err := e.seriesFor(ctx, source)
	if err != nil {
		metrics.RefreshRunsTotal.WithLabelValues(string(source), "aborted").Inc()
		return res, e.abortErr(ctx, fmt.Errorf("%w: listing catalog: %v", ErrStoreUnavailable, err))
	}
	res.Series = len(series)

	e.log.Info("sync: refreshing source", "source", source, "series", len(series))
	started := e.cfg.Clock.Now()

	for i, def := range series {
		if i > 0 {
			if err := e.pause(ctx, adapter.Delay()); err != nil {
				metrics.RefreshRunsTotal.WithLabelValues(string(source), "aborted").Inc()
				return res, e.abortErr(ctx, err)
			}
		}

		attempt, err := e.SyncSeries(ctx, adapter, def)
		if attempt.Status != "" {
			res.Attempts = append(res.Attempts, attempt)
			if attempt.Status == StatusSuccess {
				res.Succeeded++
				res.RecordsAdded += attempt.RecordsAdded
			} else {
				res.Failed++
			}
		}
		if err != nil {
			metrics.RefreshRunsTotal.WithLabelValues(string(source), "aborted").Inc()
			e.log.Error("sync: refresh aborted", "source", source, "series_id", def.ID, "error", err)
			return res, err
		}
	}

	metrics.RefreshRunsTotal.WithLabelValues(string(source), "completed").Inc()
	e.log.Info("sync: source refreshed",
		"source", source,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"records_added", res.RecordsAdded,
		"duration", e.cfg.Clock.Since(started).String(),
	)
	return res, nil
}

// SyncSeries runs the per-series state machine and always tries to log the
// outcome. The returned error is non-nil only when the batch must stop.
func (e *Engine) SyncSeries(ctx context.Context, adapter Adapter, def SeriesMetadata) (RefreshAttempt, error) {
	source := adapter.Source()
	attempt := RefreshAttempt{Source: source, SeriesID: def.ID}
	log := e.log.With("source", source, "series_id", def.ID)

	state := stateFetching
	log.Debug("sync: state", "state", state)

	since, err := e.since(ctx, def.ID)
	if err != nil {
		return e.fail(ctx, log, attempt, fmt.Errorf("%w: reading latest point: %v", ErrStoreUnavailable, err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	fetchStart := e.cfg.Clock.Now()
	obs, err := adapter.Fetch(fetchCtx, def.SourceCode(), since)
	cancel()
	metrics.FetchDuration.WithLabelValues(string(source)).Observe(e.cfg.Clock.Since(fetchStart).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return e.fail(ctx, log, attempt, e.abortErr(ctx, err))
		}
		state = stateFailed
		log.Warn("sync: fetch failed", "state", state, "error", err)
		attempt.Status = StatusError
		attempt.Error = err.Error()
		return e.logAttempt(ctx, log, attempt)
	}

	state = stateReconciling
	log.Debug("sync: state", "state", state, "fetched", len(obs))

	meta := def
	meta.Source = source
	meta.Active = true
	if _, err := e.cfg.Catalog.Register(ctx, meta); err != nil {
		return e.fail(ctx, log, attempt, fmt.Errorf("%w: registering series: %v", ErrStoreUnavailable, err))
	}

	points := normalizeObservations(def, source, obs, e.cfg.Clock.Now())
	added, err := e.cfg.Points.UpsertBatch(ctx, points)
	if err != nil {
		if ctx.Err() != nil {
			return e.fail(ctx, log, attempt, e.abortErr(ctx, err))
		}
		return e.fail(ctx, log, attempt, fmt.Errorf("%w: writing points: %v", ErrStoreUnavailable, err))
	}

	metrics.PointsInsertedTotal.WithLabelValues(string(source)).Add(float64(added))
	metrics.PointsSkippedTotal.WithLabelValues(string(source)).Add(float64(len(points) - added))

	attempt.Status = StatusSuccess
	attempt.RecordsAdded = added
	return e.logAttempt(ctx, log, attempt)
}

// fail records an error attempt for a batch-aborting fault and returns the
// fault.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, attempt RefreshAttempt, cause error) (RefreshAttempt, error) {
	attempt.Status = StatusError
	attempt.Error = cause.Error()
	logged, err := e.logAttempt(ctx, log, attempt)
	if err != nil {
		log.Error("sync: could not record failed attempt", "error", err)
	}
	return logged, cause
}

func (e *Engine) logAttempt(ctx context.Context, log *slog.Logger, attempt RefreshAttempt) (RefreshAttempt, error) {
	attempt.Timestamp = e.cfg.Clock.Now().UTC()

	// The attempt is recorded even when the refresh deadline already passed.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptLogTimeout)
	defer cancel()

	metrics.RefreshAttemptsTotal.WithLabelValues(string(attempt.Source), string(attempt.Status)).Inc()

	stored, err := e.cfg.RefreshLog.AppendAttempt(logCtx, attempt)
	if err != nil {
		return attempt, fmt.Errorf("%w: appending refresh log: %v", ErrStoreUnavailable, err)
	}
	log.Debug("sync: state", "state", stateLogged, "status", stored.Status, "records_added", stored.RecordsAdded)
	if stored.Status == StatusSuccess {
		log.Info("sync: series refreshed", "records_added", stored.RecordsAdded)
	}
	return stored, nil
}

// seriesFor returns the series to refresh for a source: configured
// definitions plus series already in the catalog, minus deactivated ones.
func (e *Engine) seriesFor(ctx context.Context, source Source) ([]SeriesMetadata, error) {
	stored, err := e.cfg.Catalog.List(ctx, CatalogFilter{Source: source, IncludeInactive: true})
	if err != nil {
		return nil, err
	}

	known := make(map[string]SeriesMetadata, len(stored))
	for _, m := range stored {
		known[m.ID] = m
	}

	seen := make(map[string]struct{})
	var out []SeriesMetadata
	for _, def := range e.cfg.Definitions {
		if def.Source != source {
			continue
		}
		if _, dup := seen[def.ID]; dup {
			continue
		}
		seen[def.ID] = struct{}{}
		if m, ok := known[def.ID]; ok && !m.Active {
			e.log.Debug("sync: skipping inactive series", "source", source, "series_id", def.ID)
			continue
		}
		out = append(out, def)
	}
	for _, m := range stored {
		if _, ok := seen[m.ID]; ok || !m.Active {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) since(ctx context.Context, seriesID string) (time.Time, error) {
	if e.cfg.Lookback <= 0 {
		return time.Time{}, nil
	}
	latest, ok, err := e.cfg.Points.Latest(ctx, seriesID)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return latest.Timestamp.Add(-e.cfg.Lookback), nil
}

func (e *Engine) lock(ctx context.Context, source Source) error {
	select {
	case e.locks[source] <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unlock(source Source) {
	<-e.locks[source]
}

func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-e.cfg.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortErr maps context expiry to ErrRefreshTimeout and passes other errors
// through.
func (e *Engine) abortErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRefreshTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// normalizeObservations converts raw observations into points: non-finite
// values and zero timestamps are dropped, timestamps are normalized, the
// result is ascending and holds at most one point per timestamp.
func normalizeObservations(def SeriesMetadata, source Source, obs []RawObservation, now time.Time) []Point {
	points := make([]Point, 0, len(obs))
	for _, o := range obs {
		if o.Timestamp.IsZero() || math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			continue
		}
		points = append(points, Point{
			SeriesID:   def.ID,
			Timestamp:  NormalizeTimestamp(o.Timestamp),
			Value:      o.Value,
			Source:     source,
			Frequency:  def.FrequencyLabel(),
			IngestedAt: now.UTC(),
		})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	out := points[:0]
	for i, p := range points {
		if i > 0 && p.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, p)
	}
	return out
}
