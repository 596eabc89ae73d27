// Package cache wraps Redis for pub/sub fan-out of alerts and risk results
// and for short-lived caching of the latest risk score per city. A Service
// without a client is valid: every write is a no-op and reads miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cityflow/logging"
)

const (
	ChannelAlerts = "cityflow:alerts"
	ChannelRisk   = "cityflow:risk"
	ChannelLive   = "cityflow:live"

	pingAttempts = 5
)

// RiskKey is where the latest risk result of a city is cached.
func RiskKey(city string) string {
	return "cityflow:risk:" + city
}

type Service struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to url. An empty url returns a disabled Service.
func New(ctx context.Context, url string, logger *zap.Logger) (*Service, error) {
	logger = logging.OrNop(logger)
	if url == "" {
		return &Service{logger: logger}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return &Service{logger: logger}, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	var lastErr error
	for i := 0; i < pingAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("redis connected", zap.String("addr", opts.Addr))
			return &Service{client: client, logger: logger}, nil
		}
		logger.Warn("redis ping failed", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return &Service{logger: logger}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	_ = client.Close()
	return &Service{logger: logger}, fmt.Errorf("redis ping failed after %d attempts: %w", pingAttempts, lastErr)
}

// NewWithClient wraps an existing client; nil disables the Service.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logging.OrNop(logger)}
}

func (s *Service) Available() bool {
	return s != nil && s.client != nil
}

// Ping reports an error when the Service is disabled or Redis is down.
func (s *Service) Ping(ctx context.Context) error {
	if !s.Available() {
		return errors.New("redis disabled")
	}
	return s.client.Ping(ctx).Err()
}

// Get decodes the value at key into dest. It reports false on a miss.
func (s *Service) Get(ctx context.Context, key string, dest any) (bool, error) {
	if !s.Available() {
		return false, nil
	}
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.Available() {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

func (s *Service) Publish(ctx context.Context, channel string, message any) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data).Err()
}

// Subscribe returns nil when the Service is disabled.
func (s *Service) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if !s.Available() {
		return nil
	}
	return s.client.Subscribe(ctx, channels...)
}

func (s *Service) Close() error {
	if !s.Available() {
		return nil
	}
	return s.client.Close()
}
