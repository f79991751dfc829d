package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/usgs_downloader/internal/config"
	"github.com/italolelis/usgs_downloader/internal/delivery"
	"github.com/italolelis/usgs_downloader/internal/downloader/progress"
	"github.com/italolelis/usgs_downloader/internal/logctx"
	"github.com/italolelis/usgs_downloader/internal/m2m"
	"github.com/italolelis/usgs_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// Interrupts request cancellation; the run drains in-flight
	// transfers before returning, so shutdown leaves no partial files.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("usgs downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Load Scene List
	entityIDs, dataset, err := config.ReadEntityFile(cfg.EntityFile)
	if err != nil {
		return err
	}

	if dataset == "" {
		dataset = cfg.Dataset
	}

	if dataset == "" {
		return fmt.Errorf("no dataset given: set DATASET or a #dataset= line in %s", cfg.EntityFile)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "usgs_downloader",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Catalog Client
	client := m2m.NewClient(cfg.APIURL)

	if cfg.Token != "" {
		err = client.LoginToken(ctx, cfg.Username, cfg.Token)
	} else {
		err = client.Login(ctx, cfg.Username, cfg.Password)
	}

	if err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to logout", "err", err)
		}
	}()

	catalog := delivery.NewInstrumentedCatalog(client, tel, "m2m")

	// =========================================================================
	// Start Orchestrator
	mode, err := progress.ParseMode(cfg.ProgressMode)
	if err != nil {
		return err
	}

	orch := delivery.NewOrchestrator(
		catalog,
		cfg.OutputDir,
		cfg.MaxParallel,
		cfg.PollInterval,
		progress.NewReporter(mode, os.Stderr),
		tel,
	)
	orch.Overwrite = cfg.Overwrite
	orch.MaxPolls = cfg.MaxPolls

	logger.Info("downloading scenes",
		"dataset", dataset,
		"scene_count", len(entityIDs),
		"output_dir", cfg.OutputDir,
		"max_parallel", cfg.MaxParallel,
		"poll_interval", cfg.PollInterval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server

	if cfg.Telemetry.Enabled {
		server = metricsServer(ctx, tel, cfg.Telemetry.BindAddress)

		g.Go(func() error {
			logger.Info("serving metrics", "host", cfg.Telemetry.BindAddress)

			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		defer stopMetricsServer(server, logger)

		summary, err := orch.DownloadAll(gctx, dataset, entityIDs)
		if summary != nil {
			logSummary(logger, summary)
		}

		return err
	})

	return g.Wait()
}

func logSummary(logger *slog.Logger, summary *delivery.RunSummary) {
	logger.Info("run finished",
		"delivered", summary.Count(delivery.OutcomeDelivered),
		"already_delivered", summary.Count(delivery.OutcomeAlreadyDelivered),
		"unmatched", summary.Count(delivery.OutcomeUnmatched),
		"unavailable", summary.Count(delivery.OutcomeUnavailable),
		"failed", summary.Count(delivery.OutcomeFailed),
	)

	for _, id := range summary.ByOutcome(delivery.OutcomeUnmatched) {
		logger.Warn("scene not found in dataset", "entity_id", id)
	}

	for _, id := range summary.ByOutcome(delivery.OutcomeFailed) {
		if err, ok := summary.Failures[id]; ok {
			logger.Error("scene failed", "entity_id", id, "err", err)
		} else {
			logger.Error("scene failed", "entity_id", id)
		}
	}
}

func metricsServer(ctx context.Context, tel *telemetry.Telemetry, bindAddress string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:        bindAddress,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 5 * time.Second,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func stopMetricsServer(server *http.Server, logger *slog.Logger) {
	if server == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the metrics server", "err", err)

		if err := server.Close(); err != nil {
			logger.Error("could not stop metrics server", "err", err)
		}
	}
}
