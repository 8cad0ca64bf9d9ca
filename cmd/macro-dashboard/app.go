package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/macro-dashboard/internal/api/http"
	"github.com/i474232898/macro-dashboard/internal/catalog"
	"github.com/i474232898/macro-dashboard/internal/common"
	"github.com/i474232898/macro-dashboard/internal/config"
	"github.com/i474232898/macro-dashboard/internal/indicators"
	"github.com/i474232898/macro-dashboard/internal/indicators/providers"
	"github.com/i474232898/macro-dashboard/internal/metrics"
	"github.com/i474232898/macro-dashboard/internal/scheduler"
	"github.com/i474232898/macro-dashboard/internal/store"
)

// app holds the components shared by every command.
type app struct {
	store    indicators.Store
	registry *catalog.Registry
	engine   *indicators.Engine
}

func newApp(ctx context.Context, log *slog.Logger, cfg *config.AppConfig) (*app, error) {
	registry, err := catalog.Load(cfg.SeriesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load series registry: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	var adapters []indicators.Adapter
	if cfg.FREDAPIKey != "" {
		adapters = append(adapters, providers.NewFREDAdapter(providers.Config{
			BaseURL: cfg.FREDBaseURL,
			APIKey:  cfg.FREDAPIKey,
			Delay:   cfg.FREDDelay,
			Client:  httpClient,
		}))
	} else {
		log.Warn("FRED_API_KEY is not set; FRED series will not be refreshed")
	}
	adapters = append(adapters, providers.NewYahooAdapter(providers.Config{
		BaseURL: cfg.YahooBaseURL,
		Delay:   cfg.MarketDelay,
		Client:  httpClient,
	}))
	// CoinGecko only serves series a custom SERIES_FILE assigns to it.
	if len(registry.ForSource(indicators.SourceCoinGecko)) > 0 {
		adapters = append(adapters, providers.NewCoinGeckoAdapter(providers.Config{
			BaseURL: cfg.CoinGeckoBaseURL,
			APIKey:  cfg.CoinGeckoAPIKey,
			Delay:   cfg.CoinGeckoDelay,
			Client:  httpClient,
		}))
	}

	engine, err := indicators.NewEngine(indicators.EngineConfig{
		Logger:       log,
		Catalog:      st,
		Points:       st,
		RefreshLog:   st,
		Adapters:     adapters,
		Definitions:  registry.Definitions(),
		FetchTimeout: cfg.FetchTimeout,
		Lookback:     cfg.IncrementalLookback,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	log.Debug("series registry loaded", "definitions", len(registry.Definitions()), "sources", engine.Sources())

	return &app{store: st, registry: registry, engine: engine}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

func serve(ctx context.Context, log *slog.Logger, cfg *config.AppConfig) error {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	a, err := newApp(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	jobs, err := indicators.NewRefreshJobs(indicators.JobsConfig{
		Logger:    log,
		Refresher: a.engine,
		Timeout:   cfg.RefreshTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create refresh jobs: %w", err)
	}

	query, err := indicators.NewQueryService(indicators.QueryConfig{
		Catalog:      a.store,
		Points:       a.store,
		RefreshLog:   a.store,
		Dashboards:   a.registry,
		DefaultLimit: cfg.QueryDefaultLimit,
		MaxLimit:     cfg.QueryMaxLimit,
		MetadataTTL:  cfg.MetadataCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create query service: %w", err)
	}
	defer query.Close()

	// Scheduler that periodically refreshes every configured source.
	sched := scheduler.New(log, jobs, a.engine.Sources(), cfg.RefreshInterval, cfg.RefreshOnStart)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// A synchronous refresh request may hold the connection for a whole run.
	waitTimeout := cfg.RefreshTimeout + 30*time.Second

	server := fiber.New(fiber.Config{
		AppName:               "macro-dashboard",
		DisableStartupMessage: true,
		UnescapePath:          true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          waitTimeout + 10*time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	server.Use(logger.New())
	server.Use(recover.New())
	server.Use(cors.New(cors.Config{AllowOrigins: strings.Join(common.SplitList(cfg.CORSOrigins), ",")}))

	httpapi.RegisterRoutes(server, httpapi.Services{
		Query:       query,
		Jobs:        jobs,
		Store:       a.store,
		WaitTimeout: waitTimeout,
		Version:     version,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "port", cfg.Port, "sources", a.engine.Sources())
		errCh <- server.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("refresh jobs shutdown: %w", err))
	}
	return errors.Join(errs...)
}
