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

	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/internal/match/cache"
	"github.com/awarddata/linkage-platform/internal/match/normalizer"
	"github.com/awarddata/linkage-platform/internal/match/refindex"
	"github.com/awarddata/linkage-platform/internal/matchd"
	"github.com/awarddata/linkage-platform/internal/reference"
	"github.com/awarddata/linkage-platform/pkg/config"
	"github.com/awarddata/linkage-platform/pkg/health"
	"github.com/awarddata/linkage-platform/pkg/kafka"
	"github.com/awarddata/linkage-platform/pkg/logger"
	"github.com/awarddata/linkage-platform/pkg/metrics"
	"github.com/awarddata/linkage-platform/pkg/middleware"
	"github.com/awarddata/linkage-platform/pkg/postgres"
	pkgredis "github.com/awarddata/linkage-platform/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting match service", "port", cfg.Server.Port)

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	norm := normalizer.New(cfg.Matcher.SuffixExpansions)
	loader := reference.NewPostgresLoader(pg)
	entities, err := loader.Load(ctx)
	if err != nil {
		slog.Error("failed to load reference entities", "error", err)
		os.Exit(1)
	}
	index := refindex.Build(entities, norm, cfg.Matcher.BlockPrefixLength)
	slog.Info("reference index built",
		"entities", index.Len(),
		"duplicates", len(index.Duplicates()),
		"version", index.Version(),
	)

	matcher := match.New(index, norm, match.Options{
		HighThreshold:     cfg.Matcher.HighThreshold,
		LowThreshold:      cfg.Matcher.LowThreshold,
		TopK:              cfg.Matcher.TopK,
		BlockPrefixLen:    cfg.Matcher.BlockPrefixLength,
		FallbackScanLimit: cfg.Matcher.FallbackScanLimit,
	})

	var resultCache *cache.ResultCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, match caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		resultCache = cache.New(redisClient, cfg.Redis)
		slog.Info("match cache enabled",
			"addr", cfg.Redis.Addr,
			"ttl", cfg.Redis.CacheTTL,
		)
	}

	// Reference reloads elsewhere in the platform announce themselves on the
	// cache-invalidate topic; drop our cached results when they do.
	if resultCache != nil {
		invalidateConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate,
			func(ctx context.Context, key, value []byte) error {
				slog.Info("cache invalidation requested", "key", string(key))
				return resultCache.Invalidate(ctx)
			})
		go func() {
			if err := invalidateConsumer.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("cache-invalidate consumer error", "error", err)
			}
		}()
		defer invalidateConsumer.Close()
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("reference_index", func(ctx context.Context) health.ComponentHealth {
		if index.Len() == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "empty reference set"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d entities", index.Len())}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := matchd.New(matcher, index, resultCache, m)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/match", h.Match)
	mux.HandleFunc("POST /v1/match/batch", h.MatchBatch)
	mux.HandleFunc("GET /v1/reference/stats", h.ReferenceStats)
	mux.HandleFunc("GET /v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.RequestTimeout.Std())(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("match service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("match service stopped")
}
