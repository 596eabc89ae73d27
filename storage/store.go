// Package storage is the persistence contract of the analytics core and its
// two implementations: Postgres (pgx pool) and an in-memory store.
package storage

import (
	"context"
	"errors"
	"time"

	"cityflow/models"
)

// ErrNotFound is returned for unknown cities, alerts, sources and for
// "latest" queries with no rows.
var ErrNotFound = errors.New("not found")

type CityStore interface {
	GetCity(ctx context.Context, name string) (models.City, error)
	ListCities(ctx context.Context) ([]models.City, error)
}

// SampleReader returns samples ordered by timestamp ascending.
type SampleReader interface {
	EnvironmentSamples(ctx context.Context, city string, from, to time.Time) ([]models.EnvironmentSample, error)
	TrafficSamples(ctx context.Context, city string, from, to time.Time) ([]models.TrafficSample, error)
	ServiceSamples(ctx context.Context, city string, from, to time.Time) ([]models.ServiceSample, error)

	LatestEnvironment(ctx context.Context, city string) (models.EnvironmentSample, error)
	LatestTrafficByZone(ctx context.Context, city string) ([]models.TrafficSample, error)
	LatestService(ctx context.Context, city string) (models.ServiceSample, error)
}

type SampleWriter interface {
	InsertEnvironment(ctx context.Context, s models.EnvironmentSample) error
	InsertTraffic(ctx context.Context, s models.TrafficSample) error
	InsertService(ctx context.Context, s models.ServiceSample) error
}

type AnomalyStore interface {
	// InsertAnomaly is idempotent on (city, metric_type, detected_at) and
	// reports whether a row was written.
	InsertAnomaly(ctx context.Context, a models.Anomaly) (bool, error)
	UnresolvedAnomalies(ctx context.Context, city string, since time.Time) ([]models.Anomaly, error)
	// ResolveAnomaly marks an anomaly resolved and returns it.
	ResolveAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	// ListAnomalies returns at most limit anomalies, newest first.
	ListAnomalies(ctx context.Context, city string, limit int) ([]models.Anomaly, error)
}

type RiskStore interface {
	InsertRiskSnapshot(ctx context.Context, s models.RiskScoreSnapshot) error
	// RecentRiskSnapshots returns newest first.
	RecentRiskSnapshots(ctx context.Context, city string, since time.Time) ([]models.RiskScoreSnapshot, error)
	// ListRiskSnapshots returns at most limit snapshots, newest first.
	ListRiskSnapshots(ctx context.Context, city string, limit int) ([]models.RiskScoreSnapshot, error)
}

type ForecastStore interface {
	InsertForecasts(ctx context.Context, recs []models.ForecastRecord) error
	ForecastsBetween(ctx context.Context, city string, from, to time.Time) ([]models.ForecastRecord, error)
}

type AlertStore interface {
	// InsertAlertIfAbsent writes the alert unless an active alert with the
	// same (city, type, signature) exists. The check and the write are one
	// atomic step.
	InsertAlertIfAbsent(ctx context.Context, a models.Alert) (bool, error)
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error)
	// CountAlerts ignores f.Limit.
	CountAlerts(ctx context.Context, f models.AlertFilter) (int, error)
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	// ResolveAlert deactivates an active alert and merges meta into its
	// metadata. An already resolved alert is returned unchanged.
	ResolveAlert(ctx context.Context, id string, at time.Time, meta map[string]any) (models.Alert, error)
}

type ScenarioStore interface {
	InsertScenario(ctx context.Context, s models.Scenario) error
	ListScenarios(ctx context.Context, city string, limit int) ([]models.Scenario, error)
}

type SourceStore interface {
	ListSources(ctx context.Context) ([]models.DataSourceHealth, error)
	GetSource(ctx context.Context, name string) (models.DataSourceHealth, error)
	UpsertSource(ctx context.Context, s models.DataSourceHealth) error
}

type Store interface {
	CityStore
	SampleReader
	SampleWriter
	AnomalyStore
	RiskStore
	ForecastStore
	AlertStore
	ScenarioStore
	SourceStore
}

const (
	DefaultAlertLimit = 50
	MaxAlertLimit     = 200

	DefaultAnomalyLimit = 100
	MaxAnomalyLimit     = 1000

	DefaultRiskLimit = 30
	MaxRiskLimit     = 365
)

// ClampLimit applies the alert listing defaults shared by both implementations.
func ClampLimit(limit int) int {
	return Clamp(limit, DefaultAlertLimit, MaxAlertLimit)
}

// Clamp returns def for a non-positive limit and caps it at most.
func Clamp(limit, def, most int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, most)
}
