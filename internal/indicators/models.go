package indicators

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies an upstream provider. The value is persisted as the
// provenance of metadata, points and refresh attempts.
type Source string

const (
	SourceFRED      Source = "FRED"
	SourceYahoo     Source = "YAHOO_FINANCE"
	SourceCoinGecko Source = "COINGECKO"
)

// KnownSources lists every source in refresh order.
var KnownSources = []Source{SourceFRED, SourceYahoo, SourceCoinGecko}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	for _, k := range KnownSources {
		if s == k {
			return true
		}
	}
	return false
}

// ParseSource accepts either a persisted source name ("FRED") or one of the
// short aliases used by the refresh API ("fred", "market", "crypto").
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fred":
		return SourceFRED, nil
	case "market", "yahoo", "yahoo_finance":
		return SourceYahoo, nil
	case "crypto", "coingecko":
		return SourceCoinGecko, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Status of a refresh attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const defaultFrequency = "daily"

// SeriesMetadata describes one series in the catalog. ID is immutable once
// registered; only Active changes afterwards.
type SeriesMetadata struct {
	ID          string    `json:"indicator_id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Category    string    `json:"category" yaml:"category"`
	Subcategory string    `json:"subcategory" yaml:"subcategory"`
	Unit        string    `json:"unit" yaml:"unit"`
	Source      Source    `json:"source" yaml:"source"`
	Code        string    `json:"source_code,omitempty" yaml:"code"`
	Frequency   string    `json:"typical_frequency,omitempty" yaml:"frequency"`
	Active      bool      `json:"active" yaml:"-"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
}

// SourceCode returns the provider-specific key used to fetch the series.
func (m SeriesMetadata) SourceCode() string {
	if m.Code != "" {
		return m.Code
	}
	return m.ID
}

// FrequencyLabel returns the typical sampling frequency, defaulting to daily.
func (m SeriesMetadata) FrequencyLabel() string {
	if m.Frequency != "" {
		return m.Frequency
	}
	return defaultFrequency
}

// Point is one stored observation, keyed by (SeriesID, Timestamp).
type Point struct {
	SeriesID   string    `json:"indicator_id"`
	Timestamp  time.Time `json:"timestamp"` // always UTC, second precision
	Value      float64   `json:"value"`
	Source     Source    `json:"source"`
	Frequency  string    `json:"frequency"`
	IngestedAt time.Time `json:"ingested_at"`
}

// RawObservation is what an adapter returns before reconciliation.
type RawObservation struct {
	Timestamp time.Time
	Value     float64
}

// RefreshAttempt is one append-only row of the refresh log. An empty SeriesID
// marks a source-wide attempt.
type RefreshAttempt struct {
	ID           int64     `json:"refresh_id"`
	Source       Source    `json:"source"`
	SeriesID     string    `json:"indicator_id,omitempty"`
	Timestamp    time.Time `json:"refresh_timestamp"`
	RecordsAdded int       `json:"records_added"`
	Status       Status    `json:"status"`
	Error        string    `json:"error_message,omitempty"`
}

// UpsertResult is the outcome of a write-once insert.
type UpsertResult int

const (
	Skipped UpsertResult = iota
	Inserted
)

func (r UpsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "skipped"
}

// CategoryCount is the number of active series in a category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// NormalizeTimestamp converts ts to the canonical key form used by every
// store: UTC, truncated to whole seconds.
func NormalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}
