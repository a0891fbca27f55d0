package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/fetcher"
	"github.com/0xc0d3d00d/quotecache/internal/httpapi/handler"
	"github.com/0xc0d3d00d/quotecache/internal/httpapi/server"
	"github.com/0xc0d3d00d/quotecache/internal/query"
	"github.com/0xc0d3d00d/quotecache/internal/recorder"
	"github.com/0xc0d3d00d/quotecache/internal/scheduler"
	"github.com/0xc0d3d00d/quotecache/internal/storage"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var errAllSymbolsFailed = errors.New("every symbol failed to refresh")

var newMeterProvider = server.NewMeterProvider

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := new(slog.LevelVar)
	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		}),
	))

	cfg := config{}
	err := loadConfig(&cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		slog.ErrorContext(ctx, "quotecache terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	meterProvider, err := newMeterProvider()
	if err != nil {
		return err
	}
	defer meterProvider.Shutdown(context.WithoutCancel(ctx))

	cache, err := storage.NewCache(cfg.Symbols)
	if err != nil {
		return err
	}

	provider := fetcher.NewAlphaVantage(cfg.ProviderAPIKey,
		fetcher.WithBaseURL(cfg.ProviderBaseURL),
		fetcher.WithOutputSize(cfg.ProviderOutputSize),
		fetcher.WithTimeout(cfg.FetchTimeout),
		fetcher.WithRetries(cfg.FetchRetries),
		fetcher.WithRateLimit(cfg.ProviderRateLimit),
	)

	var history recorder.Recorder = recorder.NoopRecorder{}
	if cfg.HistoryDB != "" {
		db, err := recorder.NewSQLiteRecorder(ctx, cfg.HistoryDB)
		if err != nil {
			return err
		}
		history = db
	}
	defer history.Close()

	opts := []scheduler.Option{
		scheduler.WithInterval(cfg.RefreshInterval),
		scheduler.WithRetention(cfg.Retention),
		scheduler.WithConcurrency(cfg.FetchConcurrency),
		scheduler.WithRecorder(history),
		scheduler.WithMeterProvider(meterProvider),
	}
	if cfg.SnapshotPath != "" {
		opts = append(opts, scheduler.WithSnapshotWriter(storage.NewOsSnapshotWriter(cfg.SnapshotPath)))
	}

	refresher, err := scheduler.NewRefresher(cache, provider, opts...)
	if err != nil {
		return err
	}
	svc := query.NewService(cache, refresher)
	refresher.OnCycle(svc.AfterCycle)

	slog.InfoContext(ctx, "quotecache configured",
		"run_type", cfg.RunType,
		"symbols", cfg.Symbols,
		"interval", cfg.RefreshInterval,
		"retention", cfg.Retention,
		"snapshot_path", cfg.SnapshotPath,
		"history_db", cfg.HistoryDB,
	)

	if cfg.RunType == runTypeSingleRun {
		report := refresher.RunCycle(ctx)
		if report.Aborted {
			return ctx.Err()
		}
		if report.Succeeded() == 0 {
			return errAllSymbolsFailed
		}
		return nil
	}

	h := handler.NewHandler(svc, history, cfg.ServiceAPIKey, cfg.RunType)
	httpServer, err := server.New(ctx, cfg.ListenAddress,
		server.WithHandlerFunc(h.Register),
		server.WithMeterProvider(meterProvider),
		server.WithRateLimit(cfg.RateLimitPerMinute),
	)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	// Start HTTP server
	g.Go(func() error {
		slog.InfoContext(ctx, "starting server", "listen_address", cfg.ListenAddress)
		if err := runHttpServer(gCtx, cfg.ListenAddress, httpServer); err != nil {
			slog.ErrorContext(ctx, "failed to start server", "error", err)
			return err
		}
		return nil
	})

	// Background refresh
	g.Go(func() error {
		return refresher.Run(gCtx)
	})

	// Handle graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down server gracefully")

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runHttpServer(ctx context.Context, listenAddress string, srv *server.Server) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return err
	}

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
