// statcached runs the tiered statistics cache as a long-lived daemon: it
// wires the memory, DynamoDB, and S3 tiers to the upstream provider, serves
// Prometheus metrics, and keeps configured dataflows warm in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/statcache/statcache/internal/analytics"
	"github.com/statcache/statcache/internal/cache"
	"github.com/statcache/statcache/internal/config"
	"github.com/statcache/statcache/internal/metrics"
	"github.com/statcache/statcache/internal/storage/dynamo"
	"github.com/statcache/statcache/internal/storage/s3"
	"github.com/statcache/statcache/internal/upstream"
	"github.com/statcache/statcache/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statcached: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Global.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statcached: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Configuration, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	s3Client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			o.UsePathStyle = true
		}
	})

	policy := cache.NewFreshnessPolicy(cache.FreshnessConfig{
		ObservationShortTTL: cfg.Cache.ObservationShortTTL,
		ObservationLongTTL:  cfg.Cache.ObservationLongTTL,
		DefaultTTL:          cfg.Cache.DefaultTTL,
		MetadataTTL:         cfg.Cache.MetadataTTL,
	}, nil)

	var overflow types.OverflowStore
	if cfg.AWS.OverflowBucket != "" {
		overflow = s3.NewStore(s3Client, s3.StoreConfig{
			Bucket:  cfg.AWS.OverflowBucket,
			Prefix:  cfg.AWS.OverflowPrefix,
			Timeout: cfg.AWS.OverflowTimeout,
		}, logger.Named("overflow"))
	}

	durableCfg := dynamo.StoreConfig{
		Table:   cfg.AWS.EntriesTable,
		Timeout: cfg.AWS.DurableTimeout,
	}
	if overflow != nil {
		durableCfg.OnOverflowRelease = func(ctx context.Context, ref string) {
			if err := overflow.Delete(ctx, ref); err != nil {
				logger.Warn("failed to release superseded overflow blob",
					zap.String("ref", ref), zap.Error(err))
			}
		}
	}
	durable := dynamo.NewStore(ddbClient, durableCfg, policy, logger.Named("durable"))

	events := dynamo.NewEventStore(ddbClient, dynamo.StoreConfig{
		Table:   cfg.AWS.EventsTable,
		Timeout: cfg.AWS.DurableTimeout,
	}, logger.Named("events"))

	var fetcher *upstream.Client
	if cfg.Upstream.BaseURL != "" {
		fetcher, err = upstream.NewClient(upstream.ClientConfig{
			BaseURL:   cfg.Upstream.BaseURL,
			UserAgent: cfg.Upstream.UserAgent,
			Timeout:   cfg.Upstream.Timeout,
		}, nil, logger.Named("upstream"))
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no upstream configured, serving cached data only")
	}

	collector := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsPort > 0,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "statcache",
	})

	memory := cache.NewMemoryTier(cfg.Cache.MemoryTTL, cfg.Cache.MemorySweepInterval, nil)
	recorder := analytics.NewRecorder(events, analytics.RecorderConfig{
		Retention:     cfg.Stats.Retention,
		PurgeInterval: cfg.Stats.PurgeInterval,
		BufferSize:    cfg.Stats.BufferSize,
	}, logger.Named("recorder"), nil, collector)
	aggregator := analytics.NewAggregator(events, durable, nil)

	opts := cache.ManagerOptions{
		Memory:            memory,
		Durable:           durable,
		Overflow:          overflow,
		Recorder:          recorder,
		Aggregator:        aggregator,
		Metrics:           collector,
		Logger:            logger.Named("cache"),
		OverflowThreshold: cfg.Cache.OverflowThreshold,
		PrewarmDelay:      cfg.Prewarm.Delay,
	}
	if fetcher != nil {
		opts.Fetcher = fetcher
		opts.Structures = fetcher
	}
	manager, err := cache.NewManager(opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := collector.StartServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info("statcached started",
		zap.Int("metrics_port", cfg.Global.MetricsPort),
		zap.String("entries_table", cfg.AWS.EntriesTable),
		zap.String("overflow_bucket", cfg.AWS.OverflowBucket),
		zap.Bool("prewarm", cfg.Prewarm.Enabled))

	if cfg.Prewarm.Enabled && fetcher != nil {
		go prewarmLoop(ctx, manager, cfg.Prewarm, logger.Named("prewarm"))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := collector.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

// prewarmLoop warms the configured dataflows at startup and again on every
// interval tick until the daemon stops.
func prewarmLoop(ctx context.Context, manager *cache.Manager, cfg config.PrewarmConfig, logger *zap.Logger) {
	warm := func() {
		logger.Info("warming dataflows", zap.Strings("dataflows", cfg.Dataflows))
		if err := manager.Warm(ctx, cfg.Dataflows); err != nil {
			logger.Warn("prewarm run aborted", zap.Error(err))
		}
	}

	warm()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			warm()
		case <-ctx.Done():
			return
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}
