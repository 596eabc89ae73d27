package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Metrics   MetricsConfig
	Log       LogConfig
	Analytics AnalyticsConfig
	Jobs      JobsConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (d DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig is optional: an empty URL disables fan-out.
type RedisConfig struct {
	URL string
}

type MQTTConfig struct {
	URL   string
	Topic string
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level string
	File  string
}

// RiskWeights are the fixed composite weights of the risk scorer.
type RiskWeights struct {
	Environment float64
	Traffic     float64
	Services    float64
	Anomalies   float64
}

func (w RiskWeights) Sum() float64 {
	return w.Environment + w.Traffic + w.Services + w.Anomalies
}

type AnalyticsConfig struct {
	Weights         RiskWeights
	ExternalTimeout time.Duration
	// Cities restricts scheduled jobs; empty means every known city.
	Cities []string
}

type JobsConfig struct {
	Forecast time.Duration
	Anomaly  time.Duration
	Risk     time.Duration
	Alerts   time.Duration
	Health   time.Duration
}

func DefaultWeights() RiskWeights {
	return RiskWeights{Environment: 0.35, Traffic: 0.25, Services: 0.25, Anomalies: 0.15}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "cityflow")
	v.SetDefault("DB_PASSWORD", "cityflow_dev_password")
	v.SetDefault("DB_NAME", "cityflow")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("MQTT_URL", "tcp://localhost:1883")
	v.SetDefault("MQTT_TOPIC", "cityflow/metrics/+/+")
	v.SetDefault("METRICS_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("EXTERNAL_TIMEOUT", "10s")
	v.SetDefault("CITIES", "")

	w := DefaultWeights()
	v.SetDefault("RISK_WEIGHT_ENVIRONMENT", w.Environment)
	v.SetDefault("RISK_WEIGHT_TRAFFIC", w.Traffic)
	v.SetDefault("RISK_WEIGHT_SERVICES", w.Services)
	v.SetDefault("RISK_WEIGHT_ANOMALIES", w.Anomalies)

	v.SetDefault("JOB_FORECAST_INTERVAL", "1h")
	v.SetDefault("JOB_ANOMALY_INTERVAL", "2h")
	v.SetDefault("JOB_RISK_INTERVAL", "6h")
	v.SetDefault("JOB_ALERT_INTERVAL", "30m")
	v.SetDefault("JOB_HEALTH_INTERVAL", "5m")
	return v
}

func LoadConfig() (*Config, error) {
	v := newViper()

	dbPort, err := cast.ToIntE(v.Get("DB_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	weights := RiskWeights{}
	for key, dst := range map[string]*float64{
		"RISK_WEIGHT_ENVIRONMENT": &weights.Environment,
		"RISK_WEIGHT_TRAFFIC":     &weights.Traffic,
		"RISK_WEIGHT_SERVICES":    &weights.Services,
		"RISK_WEIGHT_ANOMALIES":   &weights.Anomalies,
	} {
		f, err := cast.ToFloat64E(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"EXTERNAL_TIMEOUT",
		"JOB_FORECAST_INTERVAL",
		"JOB_ANOMALY_INTERVAL",
		"JOB_RISK_INTERVAL",
		"JOB_ALERT_INTERVAL",
		"JOB_HEALTH_INTERVAL",
	} {
		d, err := cast.ToDurationE(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     dbPort,
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
		MQTT: MQTTConfig{
			URL:   v.GetString("MQTT_URL"),
			Topic: v.GetString("MQTT_TOPIC"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("METRICS_ADDR")},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
			File:  v.GetString("LOG_FILE"),
		},
		Analytics: AnalyticsConfig{
			Weights:         weights,
			ExternalTimeout: durations["EXTERNAL_TIMEOUT"],
			Cities:          splitList(v.GetString("CITIES")),
		},
		Jobs: JobsConfig{
			Forecast: durations["JOB_FORECAST_INTERVAL"],
			Anomaly:  durations["JOB_ANOMALY_INTERVAL"],
			Risk:     durations["JOB_RISK_INTERVAL"],
			Alerts:   durations["JOB_ALERT_INTERVAL"],
			Health:   durations["JOB_HEALTH_INTERVAL"],
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects weights that do not sum to one and non-positive intervals.
func (c *Config) Validate() error {
	var errs []string

	w := c.Analytics.Weights
	for name, f := range map[string]float64{
		"environment": w.Environment,
		"traffic":     w.Traffic,
		"services":    w.Services,
		"anomalies":   w.Anomalies,
	} {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("risk weight %s=%.3f outside [0,1]", name, f))
		}
	}
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		errs = append(errs, fmt.Sprintf("risk weights sum to %.6f, want 1.0", w.Sum()))
	}
	if c.Analytics.ExternalTimeout <= 0 {
		errs = append(errs, "EXTERNAL_TIMEOUT must be positive")
	}

	for name, d := range map[string]time.Duration{
		"JOB_FORECAST_INTERVAL": c.Jobs.Forecast,
		"JOB_ANOMALY_INTERVAL":  c.Jobs.Anomaly,
		"JOB_RISK_INTERVAL":     c.Jobs.Risk,
		"JOB_ALERT_INTERVAL":    c.Jobs.Alerts,
		"JOB_HEALTH_INTERVAL":   c.Jobs.Health,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
