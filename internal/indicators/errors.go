package indicators

import "errors"

var (
	// ErrUnknownSeries is returned when a series id is not in the catalog.
	ErrUnknownSeries = errors.New("unknown series")
	// ErrUnknownSource is returned for a source name no adapter serves.
	ErrUnknownSource = errors.New("unknown source")

	// Adapter failures. All of them are isolated to one series.
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrSeriesNotFound    = errors.New("series not found upstream")
	ErrMalformedResponse = errors.New("malformed response")

	// ErrStoreUnavailable aborts a refresh batch.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRefreshTimeout marks a refresh that ran out of time. Points committed
	// before the deadline stay valid.
	ErrRefreshTimeout = errors.New("refresh timed out")

	ErrInvalidLimit = errors.New("invalid limit")
	ErrInvalidRange = errors.New("invalid time range")

	ErrUnknownJob       = errors.New("unknown refresh job")
	ErrJobsShuttingDown = errors.New("refresh jobs shutting down")
	ErrUnknownDashboard = errors.New("unknown dashboard")
)

// IsSourceFault reports whether err is an upstream fault that must be recorded
// against the series and never abort the batch.
func IsSourceFault(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrMalformedResponse)
}
