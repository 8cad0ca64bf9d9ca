package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port string `validate:"required,numeric"`

	// DatabaseURL selects the store: "memory", a postgres:// URL, or a SQLite
	// file path.
	DatabaseURL string `validate:"required"`

	FREDAPIKey       string
	FREDBaseURL      string `validate:"omitempty,url"`
	YahooBaseURL     string `validate:"omitempty,url"`
	CoinGeckoBaseURL string `validate:"omitempty,url"`
	CoinGeckoAPIKey  string

	// FetchTimeout bounds one upstream call, RefreshTimeout a whole refresh.
	FetchTimeout   time.Duration `validate:"gt=0"`
	RefreshTimeout time.Duration `validate:"gt=0"`

	// Pauses between two fetches of the same source.
	FREDDelay      time.Duration `validate:"gte=0"`
	MarketDelay    time.Duration `validate:"gte=0"`
	CoinGeckoDelay time.Duration `validate:"gte=0"`

	// RefreshInterval schedules periodic refreshes; 0 disables the scheduler.
	RefreshInterval time.Duration `validate:"gte=0"`
	RefreshOnStart  bool
	// IncrementalLookback re-fetches this much history before the newest
	// stored point; 0 always pulls the full history.
	IncrementalLookback time.Duration `validate:"gte=0"`

	// SeriesFile overrides the embedded series registry.
	SeriesFile string

	QueryDefaultLimit int           `validate:"gte=1,ltefield=QueryMaxLimit"`
	QueryMaxLimit     int           `validate:"gte=1,lte=50000"`
	MetadataCacheTTL  time.Duration `validate:"gt=0"`

	CORSOrigins string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Load reads configuration from the environment (and an optional .env file)
// with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &AppConfig{
		Port:             getenvDefault("PORT", "8000"),
		DatabaseURL:      getenvDefault("DATABASE_URL", "macro_dashboard.db"),
		FREDAPIKey:       os.Getenv("FRED_API_KEY"),
		FREDBaseURL:      os.Getenv("FRED_BASE_URL"),
		YahooBaseURL:     os.Getenv("YAHOO_BASE_URL"),
		CoinGeckoBaseURL: os.Getenv("COINGECKO_BASE_URL"),
		CoinGeckoAPIKey:  os.Getenv("COINGECKO_API_KEY"),
		SeriesFile:       os.Getenv("SERIES_FILE"),
		CORSOrigins:      getenvDefault("CORS_ORIGINS", "*"),
		LogLevel:         strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"FETCH_TIMEOUT", "30s", &cfg.FetchTimeout},
		{"REFRESH_TIMEOUT", "300s", &cfg.RefreshTimeout},
		{"FRED_DELAY", "250ms", &cfg.FREDDelay},
		{"MARKET_DELAY", "500ms", &cfg.MarketDelay},
		{"COINGECKO_DELAY", "1500ms", &cfg.CoinGeckoDelay},
		{"REFRESH_INTERVAL", "6h", &cfg.RefreshInterval},
		{"INCREMENTAL_LOOKBACK", "0s", &cfg.IncrementalLookback},
		{"METADATA_CACHE_TTL", "1m", &cfg.MetadataCacheTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	var err error
	if cfg.RefreshOnStart, err = getenvBool("REFRESH_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.QueryDefaultLimit, err = getenvInt("QUERY_DEFAULT_LIMIT", 20000); err != nil {
		return nil, err
	}
	if cfg.QueryMaxLimit, err = getenvInt("QUERY_MAX_LIMIT", 50000); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
