package indicators

import (
	"context"
	"time"
)

// Adapter pulls raw observations for one series from a single upstream
// provider. Implementations never touch the store.
type Adapter interface {
	Source() Source
	// Delay is the pause the engine keeps between successive fetches against
	// this provider.
	Delay() time.Duration
	// Fetch returns observations at or after since in increasing time order.
	// A zero since requests the full available history.
	Fetch(ctx context.Context, code string, since time.Time) ([]RawObservation, error)
}

// CatalogFilter narrows List results. Empty fields match everything.
type CatalogFilter struct {
	Category        string
	Source          Source
	IncludeInactive bool
}

// Catalog is the registry of known series.
type Catalog interface {
	// Register stores meta if its id is new. An existing entry is left
	// untouched and created is false.
	Register(ctx context.Context, meta SeriesMetadata) (created bool, err error)
	Get(ctx context.Context, id string) (SeriesMetadata, error)
	List(ctx context.Context, filter CatalogFilter) ([]SeriesMetadata, error)
	SetActive(ctx context.Context, id string, active bool) error
	Categories(ctx context.Context) ([]CategoryCount, error)
}

// PointStore holds observations under a unique (series, timestamp) key.
type PointStore interface {
	Has(ctx context.Context, seriesID string, ts time.Time) (bool, error)
	UpsertIfAbsent(ctx context.Context, p Point) (UpsertResult, error)
	// UpsertBatch applies UpsertIfAbsent to every point in one transaction and
	// returns how many were inserted.
	UpsertBatch(ctx context.Context, points []Point) (int, error)
	// Range returns points with start <= ts <= end in ascending order, keeping
	// the oldest limit points when the range holds more.
	Range(ctx context.Context, seriesID string, start, end time.Time, limit int) ([]Point, error)
	// Latest returns the most recent point; ok is false when the series has
	// no data.
	Latest(ctx context.Context, seriesID string) (p Point, ok bool, err error)
}

// AttemptFilter narrows refresh log reads.
type AttemptFilter struct {
	Source   Source
	SeriesID string
	Limit    int
}

// RefreshLog is the append-only audit of sync attempts.
type RefreshLog interface {
	AppendAttempt(ctx context.Context, a RefreshAttempt) (RefreshAttempt, error)
	// Attempts returns matching rows, newest first.
	Attempts(ctx context.Context, filter AttemptFilter) ([]RefreshAttempt, error)
}

// Store is the contract every persistence backend satisfies.
type Store interface {
	Catalog
	PointStore
	RefreshLog
	Ping(ctx context.Context) error
	Close() error
}
