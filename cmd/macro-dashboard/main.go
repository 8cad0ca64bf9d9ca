package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/i474232898/macro-dashboard/internal/config"
	"github.com/i474232898/macro-dashboard/internal/indicators"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	verbose       bool
	refreshSource string
)

var rootCmd = &cobra.Command{
	Use:   "macro-dashboard",
	Short: "Collects macroeconomic and market time series and serves them over HTTP",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the refresh scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := mustSetup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := serve(ctx, log, cfg); err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one refresh of every configured source, or of --source only",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := mustSetup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := refreshOnce(ctx, log, cfg, refreshSource); err != nil {
			log.Error("refresh failed", "error", err)
			os.Exit(1)
		}
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate SERIES_ID",
	Short: "Include a series in future refreshes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := mustSetup()
		if err := setActive(log, cfg, args[0], true); err != nil {
			log.Error("failed to update series", "series", args[0], "error", err)
			os.Exit(1)
		}
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate SERIES_ID",
	Short: "Exclude a series from future refreshes; stored points are kept",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := mustSetup()
		if err := setActive(log, cfg, args[0], false); err != nil {
			log.Error("failed to update series", "series", args[0], "error", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("macro-dashboard %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging regardless of LOG_LEVEL")
	refreshCmd.Flags().StringVar(&refreshSource, "source", "", "refresh only this source (fred, yahoo, coingecko)")

	rootCmd.AddCommand(serveCmd, refreshCmd, activateCmd, deactivateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustSetup() (*config.AppConfig, *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return cfg, newLogger(level)
}

func refreshOnce(ctx context.Context, log *slog.Logger, cfg *config.AppConfig, source string) error {
	a, err := newApp(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var sources []indicators.Source
	if source != "" {
		src, err := indicators.ParseSource(source)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RefreshTimeout)
	defer cancel()

	results, err := a.engine.RefreshAll(ctx, sources...)
	for _, r := range results {
		log.Info("source refreshed",
			"source", r.Source,
			"series", r.Series,
			"succeeded", r.Succeeded,
			"failed", r.Failed,
			"records_added", r.RecordsAdded,
			"error", r.Error,
		)
	}
	return err
}

func setActive(log *slog.Logger, cfg *config.AppConfig, id string, active bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	log.Info("series updated", "series", id, "active", active)
	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
