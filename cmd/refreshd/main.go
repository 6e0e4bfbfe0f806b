package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awarddata/linkage-platform/internal/analytics"
	"github.com/awarddata/linkage-platform/internal/checkpoint"
	"github.com/awarddata/linkage-platform/internal/freshness"
	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/internal/match/normalizer"
	"github.com/awarddata/linkage-platform/internal/match/refindex"
	"github.com/awarddata/linkage-platform/internal/reference"
	"github.com/awarddata/linkage-platform/internal/refresh"
	"github.com/awarddata/linkage-platform/pkg/config"
	"github.com/awarddata/linkage-platform/pkg/health"
	"github.com/awarddata/linkage-platform/pkg/kafka"
	"github.com/awarddata/linkage-platform/pkg/logger"
	"github.com/awarddata/linkage-platform/pkg/metrics"
	"github.com/awarddata/linkage-platform/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	runOnce := flag.Bool("once", false, "run a single refresh cycle per source and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting refresh service",
		"sources", cfg.Refresh.Sources,
		"interval", cfg.Refresh.Interval,
		"sla_days", cfg.Refresh.SLADays,
	)

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	freshStore := freshness.NewStore(pg)
	cpStore := checkpoint.NewStore(pg)
	limiter := refresh.NewRateLimiter(time.Minute)

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.EnrichmentEvents)
	defer producer.Close()
	collector := analytics.NewCollector(producer, 500, 5*time.Second)
	collector.Start(ctx)
	defer collector.Close()
	slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.EnrichmentEvents)

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	// Re-match refreshed payloads against the reference set when it loads;
	// refresh still runs without it.
	var matcher *match.Matcher
	norm := normalizer.New(cfg.Matcher.SuffixExpansions)
	loader := reference.NewPostgresLoader(pg)
	entities, err := loader.Load(ctx)
	if err != nil {
		slog.Warn("reference set unavailable, refreshing without re-matching", "error", err)
	} else {
		index := refindex.Build(entities, norm, cfg.Matcher.BlockPrefixLength)
		matcher = match.New(index, norm, match.Options{
			HighThreshold:     cfg.Matcher.HighThreshold,
			LowThreshold:      cfg.Matcher.LowThreshold,
			TopK:              cfg.Matcher.TopK,
			BlockPrefixLen:    cfg.Matcher.BlockPrefixLength,
			FallbackScanLimit: cfg.Matcher.FallbackScanLimit,
		})
		slog.Info("reference index built", "entities", index.Len(), "version", index.Version())
	}

	orchestrators := make(map[string]*refresh.Orchestrator, len(cfg.Refresh.Sources))
	for _, source := range cfg.Refresh.Sources {
		baseURL, ok := cfg.Refresh.Endpoints[source]
		if !ok {
			slog.Error("no endpoint configured for source", "source", source)
			os.Exit(1)
		}
		fetcher := refresh.NewHTTPFetcher(source, baseURL, cfg.Refresh.FetchTimeout.Std())
		opts := []refresh.Option{
			refresh.WithCollector(collector),
			refresh.WithMetrics(m),
		}
		if matcher != nil {
			opts = append(opts, refresh.WithMatcher(matcher))
		}
		orchestrators[source] = refresh.New(cfg.Refresh, source, freshStore, cpStore, fetcher, limiter, opts...)
	}

	startHealthServer(ctx, cfg, pg)

	runAll := func() {
		for _, source := range cfg.Refresh.Sources {
			if ctx.Err() != nil {
				return
			}
			summary, err := orchestrators[source].RunCycle(ctx, nil)
			if err != nil {
				slog.Error("refresh cycle failed", "source", source, "error", err)
			}
			if summary != nil {
				report := summary.Stats.MeetsThresholds(
					cfg.Alerting.MinCoverageRate,
					cfg.Alerting.MinSuccessRate,
					cfg.Alerting.MaxErrorRate,
				)
				if !report.OK() {
					slog.Warn("refresh cycle below thresholds",
						"source", source,
						"cycle_id", summary.CycleID,
						"coverage_ok", report.CoverageOK,
						"success_ok", report.SuccessOK,
						"error_ok", report.ErrorOK,
						"coverage_rate", summary.Stats.CoverageRate(),
						"success_rate", summary.Stats.SuccessRate(),
						"error_rate", summary.Stats.ErrorRate(),
					)
				}
				slog.Info("cycle summary", "summary", summary.Describe())
			}
		}
	}

	runAll()
	if *runOnce {
		stop()
		slog.Info("single-cycle run complete")
		return
	}

	ticker := time.NewTicker(cfg.Refresh.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runAll()
		case <-ctx.Done():
			slog.Info("refresh service stopped")
			return
		}
	}
}

// startHealthServer exposes live/ready probes on the service port. The
// refresh daemon has no API surface beyond these.
func startHealthServer(ctx context.Context, cfg *config.Config, pg *postgres.Client) {
	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()
	slog.Info("health server listening", "addr", server.Addr)
}
