// Command analytics is the long-running worker: it runs the forecasting,
// anomaly, risk, alert and health jobs on their intervals and serves
// /metrics and /health.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cityflow/analytics"
	"cityflow/audit"
	"cityflow/cache"
	"cityflow/config"
	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/scheduler"
	"cityflow/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger, err := logging.New(cfg.Log, "analytics")
	if err != nil {
		zap.NewExample().Fatal("init logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("analytics worker failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := storage.NewPostgres(ctx, cfg.Database.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("db connected", zap.String("host", cfg.Database.Host), zap.String("name", cfg.Database.Name))

	// Redis is optional: alerts and risk are still stored without it.
	redis, err := cache.New(ctx, cfg.Redis.URL, logger.Named("cache"))
	if err != nil {
		logger.Warn("redis unavailable, fan-out disabled", zap.Error(err))
	}
	defer func() { _ = redis.Close() }()

	svc, err := analytics.New(analytics.Options{
		Store:  db,
		Cache:  redis,
		Audit:  audit.NewLogger(logger, nil),
		Config: cfg.Analytics,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sch := scheduler.NewTicker(logger.Named("scheduler"))
	if err := svc.RegisterJobs(sch, cfg.Jobs); err != nil {
		return err
	}
	logger.Info("analytics worker running",
		zap.Duration("forecast", cfg.Jobs.Forecast),
		zap.Duration("anomaly", cfg.Jobs.Anomaly),
		zap.Duration("risk", cfg.Jobs.Risk),
		zap.Duration("alerts", cfg.Jobs.Alerts),
		zap.Duration("health", cfg.Jobs.Health),
		zap.Strings("cities", cfg.Analytics.Cities))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Addr, db.Ping, logger) })
	eg.Go(func() error { return sch.Start(ctx) })
	err = eg.Wait()
	logger.Info("analytics worker shutting down")
	return err
}
