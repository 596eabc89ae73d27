package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cityflow/models"
)

// Postgres implements Store on a pgx pool. The schema lives in schema.sql.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db pool init failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func collectAll[T any](rows pgx.Rows, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func collectOne[T any](rows pgx.Rows, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

const cityColumns = `id, name, state, population, lat, lng, created_at`

func (p *Postgres) GetCity(ctx context.Context, name string) (models.City, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+cityColumns+` FROM cities WHERE lower(name) = $1`, models.CityKey(name))
	return collectOne[models.City](rows, err)
}

func (p *Postgres) ListCities(ctx context.Context) ([]models.City, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+cityColumns+` FROM cities ORDER BY name`)
	return collectAll[models.City](rows, err)
}

// ── samples ──

const (
	environmentColumns = `ts, city, aqi, pm25, temperature, rainfall, source`
	trafficColumns     = `ts, city, zone, density_percent, heavy_vehicle_count, source`
	serviceColumns     = `ts, city, water_supply_stress, waste_collection_eff, power_outage_count, source`
)

func (p *Postgres) EnvironmentSamples(ctx context.Context, city string, from, to time.Time) ([]models.EnvironmentSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+environmentColumns+`
		FROM environment_data
		WHERE city = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts ASC
	`, city, from, to)
	return collectAll[models.EnvironmentSample](rows, err)
}

func (p *Postgres) TrafficSamples(ctx context.Context, city string, from, to time.Time) ([]models.TrafficSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+trafficColumns+`
		FROM traffic_data
		WHERE city = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts ASC
	`, city, from, to)
	return collectAll[models.TrafficSample](rows, err)
}

func (p *Postgres) ServiceSamples(ctx context.Context, city string, from, to time.Time) ([]models.ServiceSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM service_data
		WHERE city = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts ASC
	`, city, from, to)
	return collectAll[models.ServiceSample](rows, err)
}

func (p *Postgres) LatestEnvironment(ctx context.Context, city string) (models.EnvironmentSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+environmentColumns+` FROM environment_data
		WHERE city = $1 ORDER BY ts DESC LIMIT 1
	`, city)
	return collectOne[models.EnvironmentSample](rows, err)
}

func (p *Postgres) LatestTrafficByZone(ctx context.Context, city string) ([]models.TrafficSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (zone) `+trafficColumns+`
		FROM traffic_data
		WHERE city = $1
		ORDER BY zone, ts DESC
	`, city)
	return collectAll[models.TrafficSample](rows, err)
}

func (p *Postgres) LatestService(ctx context.Context, city string) (models.ServiceSample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+serviceColumns+` FROM service_data
		WHERE city = $1 ORDER BY ts DESC LIMIT 1
	`, city)
	return collectOne[models.ServiceSample](rows, err)
}

func (p *Postgres) InsertEnvironment(ctx context.Context, s models.EnvironmentSample) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO environment_data (`+environmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (city, ts, source) DO NOTHING
	`, s.TS, s.City, s.AQI, s.PM25, s.Temperature, s.Rainfall, s.Source)
	return err
}

func (p *Postgres) InsertTraffic(ctx context.Context, s models.TrafficSample) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO traffic_data (`+trafficColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (city, zone, ts, source) DO NOTHING
	`, s.TS, s.City, s.Zone, s.DensityPercent, s.HeavyVehicleCount, s.Source)
	return err
}

func (p *Postgres) InsertService(ctx context.Context, s models.ServiceSample) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO service_data (`+serviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (city, ts, source) DO NOTHING
	`, s.TS, s.City, s.WaterSupplyStress, s.WasteCollectionEff, s.PowerOutageCount, s.Source)
	return err
}

// ── anomalies ──

const anomalyColumns = `id, city, metric_type, detected_at, value, expected_value, deviation, severity, explanation, resolved, created_at`

func (p *Postgres) InsertAnomaly(ctx context.Context, a models.Anomaly) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (city, metric_type, detected_at) DO NOTHING
	`, a.ID, a.City, a.MetricType, a.DetectedAt, a.Value, a.ExpectedValue, a.Deviation,
		a.Severity, a.Explanation, a.Resolved, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) UnresolvedAnomalies(ctx context.Context, city string, since time.Time) ([]models.Anomaly, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE city = $1 AND NOT resolved AND detected_at >= $2
		ORDER BY detected_at DESC
	`, city, since)
	return collectAll[models.Anomaly](rows, err)
}

func (p *Postgres) ListAnomalies(ctx context.Context, city string, limit int) ([]models.Anomaly, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE city = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`, city, Clamp(limit, DefaultAnomalyLimit, MaxAnomalyLimit))
	return collectAll[models.Anomaly](rows, err)
}

func (p *Postgres) ResolveAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE anomalies SET resolved = true WHERE id = $1
		RETURNING `+anomalyColumns, id)
	return collectOne[models.Anomaly](rows, err)
}

// ── risk & forecasts ──

func (p *Postgres) InsertRiskSnapshot(ctx context.Context, s models.RiskScoreSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO risk_scores (id, city, category, score, level, contributing_factors, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.City, s.Category, s.Score, s.Level, s.Factors, s.CalculatedAt)
	return err
}

func (p *Postgres) RecentRiskSnapshots(ctx context.Context, city string, since time.Time) ([]models.RiskScoreSnapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, city, category, score, level, contributing_factors, calculated_at
		FROM risk_scores
		WHERE city = $1 AND calculated_at >= $2
		ORDER BY calculated_at DESC
	`, city, since)
	return collectAll[models.RiskScoreSnapshot](rows, err)
}

func (p *Postgres) ListRiskSnapshots(ctx context.Context, city string, limit int) ([]models.RiskScoreSnapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, city, category, score, level, contributing_factors, calculated_at
		FROM risk_scores
		WHERE city = $1
		ORDER BY calculated_at DESC
		LIMIT $2
	`, city, Clamp(limit, DefaultRiskLimit, MaxRiskLimit))
	return collectAll[models.RiskScoreSnapshot](rows, err)
}

const forecastColumns = `id, city, metric_type, target_date, predicted_value, confidence, explanation, model_version, created_at`

func (p *Postgres) InsertForecasts(ctx context.Context, recs []models.ForecastRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO forecasts (`+forecastColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (city, metric_type, target_date, model_version) DO UPDATE SET
				predicted_value = EXCLUDED.predicted_value,
				confidence = EXCLUDED.confidence,
				explanation = EXCLUDED.explanation,
				created_at = EXCLUDED.created_at
		`, r.ID, r.City, r.MetricType, r.TargetDate, r.PredictedValue, r.Confidence,
			r.Explanation, r.ModelVersion, r.CreatedAt)
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

func (p *Postgres) ForecastsBetween(ctx context.Context, city string, from, to time.Time) ([]models.ForecastRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+forecastColumns+` FROM forecasts
		WHERE city = $1 AND target_date BETWEEN $2 AND $3
		ORDER BY target_date ASC
	`, city, from, to)
	return collectAll[models.ForecastRecord](rows, err)
}

// ── alerts ──

const alertColumns = `id, city, type, severity, audience, title, message, signature, is_active, resolved_at, metadata, created_at`

// InsertAlertIfAbsent relies on the partial unique index
// alerts_active_signature_idx so that concurrent generators cannot both
// insert the same active alert.
func (p *Postgres) InsertAlertIfAbsent(ctx context.Context, a models.Alert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, NULL, $9, $10)
		ON CONFLICT (city, type, signature) WHERE is_active DO NOTHING
	`, a.ID, a.City, a.Type, a.Severity, a.Audience, a.Title, a.Message, a.Signature, a.Metadata, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// alertWhere builds the WHERE clause of an alert filter and its arguments.
func alertWhere(f models.AlertFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.City != "" {
		add("city = $%d", f.City)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Audience != "" {
		add("audience IN ($%d, 'both')", f.Audience)
	}
	if f.ActiveOnly {
		where = append(where, "is_active")
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (p *Postgres) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	where, args := alertWhere(f)
	args = append(args, ClampLimit(f.Limit))
	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	return collectAll[models.Alert](rows, err)
}

func (p *Postgres) CountAlerts(ctx context.Context, f models.AlertFilter) (int, error) {
	where, args := alertWhere(f)
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&n)
	return n, err
}

func (p *Postgres) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return collectOne[models.Alert](rows, err)
}

func (p *Postgres) ResolveAlert(ctx context.Context, id string, at time.Time, meta map[string]any) (models.Alert, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE alerts
		SET is_active = false,
			resolved_at = $2,
			metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
		WHERE id = $1 AND is_active
		RETURNING `+alertColumns, id, at, meta)
	a, err := collectOne[models.Alert](rows, err)
	if errors.Is(err, ErrNotFound) {
		// either unknown or already resolved
		return p.GetAlert(ctx, id)
	}
	return a, err
}

// ── scenarios & sources ──

func (p *Postgres) InsertScenario(ctx context.Context, s models.Scenario) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scenarios (id, city, zone, inputs, outputs, confidence, explanation, recommendation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.City, s.Zone, s.Inputs, s.Impacts, s.Confidence, s.Explanation, s.Recommendation, s.CreatedAt)
	return err
}

func (p *Postgres) ListScenarios(ctx context.Context, city string, limit int) ([]models.Scenario, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, city, zone, inputs, outputs, confidence, explanation, recommendation, created_at
		FROM scenarios
		WHERE $1 = '' OR city = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, city, limit)
	return collectAll[models.Scenario](rows, err)
}

const sourceColumns = `id, name, type, expected_frequency, last_seen_at, is_online, failure_count, total_ingestions, updated_at`

func (p *Postgres) ListSources(ctx context.Context) ([]models.DataSourceHealth, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sourceColumns+` FROM data_sources ORDER BY name`)
	return collectAll[models.DataSourceHealth](rows, err)
}

func (p *Postgres) GetSource(ctx context.Context, name string) (models.DataSourceHealth, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sourceColumns+` FROM data_sources WHERE name = $1`, name)
	return collectOne[models.DataSourceHealth](rows, err)
}

func (p *Postgres) UpsertSource(ctx context.Context, s models.DataSourceHealth) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO data_sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			expected_frequency = EXCLUDED.expected_frequency,
			last_seen_at = EXCLUDED.last_seen_at,
			is_online = EXCLUDED.is_online,
			failure_count = EXCLUDED.failure_count,
			total_ingestions = EXCLUDED.total_ingestions,
			updated_at = EXCLUDED.updated_at
	`, s.ID, s.Name, s.Type, s.ExpectedIntervalMin, s.LastSeenAt, s.IsOnline,
		s.FailureCount, s.TotalIngestions, s.UpdatedAt)
	return err
}

//go:embed schema.sql
var schema string

// Migrate applies schema.sql. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
