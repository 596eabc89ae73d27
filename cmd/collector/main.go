// Command collector subscribes to cityflow/metrics/<kind>/<city> on MQTT,
// stores every valid sample and keeps data-source health current.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cityflow/cache"
	"cityflow/config"
	"cityflow/ingest"
	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/sources"
	"cityflow/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger, err := logging.New(cfg.Log, "collector")
	if err != nil {
		zap.NewExample().Fatal("init logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	db, err := storage.NewPostgres(ctx, cfg.Database.GetDSN())
	if err != nil {
		logger.Fatal("db init failed", zap.Error(err))
	}
	defer db.Close()

	redis, err := cache.New(ctx, cfg.Redis.URL, logger.Named("cache"))
	if err != nil {
		logger.Warn("redis unavailable, live fan-out disabled", zap.Error(err))
	}
	defer func() { _ = redis.Close() }()

	tracker := sources.NewTracker(db, cfg.Analytics.ExternalTimeout, logger.Named("sources"), nil)
	ingestor := ingest.NewIngestor(db, tracker, redis, logger.Named("ingest"), nil)

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, db.Ping, logger); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.URL)
	opts.SetClientID("collector-" + time.Now().Format("20060102150405"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if err := ingestor.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
			logger.Warn("message dropped", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(cfg.MQTT.Topic, 0, nil)
		token.Wait()
		if token.Error() != nil {
			logger.Error("mqtt subscribe failed", zap.String("topic", cfg.MQTT.Topic), zap.Error(token.Error()))
			return
		}
		logger.Info("collector subscribed", zap.String("topic", cfg.MQTT.Topic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		logger.Fatal("mqtt connection failed", zap.Error(token.Error()))
	}
	logger.Info("collector running", zap.String("mqtt", cfg.MQTT.URL), zap.String("metrics", cfg.Metrics.Addr))

	<-ctx.Done()
	logger.Info("collector shutting down")
	client.Disconnect(250)
}
