package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/models"
)

// newTestPostgres connects to CITYFLOW_TEST_DATABASE_URL and applies the
// schema. Rows are scoped to a fresh city name and removed afterwards.
func newTestPostgres(t *testing.T) (*Postgres, string) {
	t.Helper()
	dsn := os.Getenv("CITYFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CITYFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(ctx))

	city := "test-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		for _, table := range []string{"alerts", "forecasts", "anomalies", "risk_scores"} {
			_, _ = p.pool.Exec(context.Background(), `DELETE FROM `+table+` WHERE city = $1`, city)
		}
		p.Close()
	})
	return p, city
}

func TestPostgresInsertAlertIfAbsentConcurrent(t *testing.T) {
	p, city := newTestPostgres(t)
	ctx := context.Background()
	a := models.Alert{
		City: city, Type: models.AlertTypeAnomaly, Severity: models.AlertSeverityWarning,
		Audience: models.AudienceInternal, Title: "t", Message: "m", Signature: "sig-1",
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := p.InsertAlertIfAbsent(ctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Empty(t, errs)
	assert.Equal(t, 1, created)

	n, err := p.CountAlerts(ctx, models.AlertFilter{City: city, ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresForecastRerunReplacesPrediction(t *testing.T) {
	p, city := newTestPostgres(t)
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
	rec := models.ForecastRecord{
		City: city, MetricType: models.MetricAQI, TargetDate: day, PredictedValue: 110,
		Confidence: 0.9, Explanation: "first", ModelVersion: "v1", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, p.InsertForecasts(ctx, []models.ForecastRecord{rec}))
	rec.PredictedValue, rec.Explanation = 130, "second"
	require.NoError(t, p.InsertForecasts(ctx, []models.ForecastRecord{rec}))

	got, err := p.ForecastsBetween(ctx, city, day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 130.0, got[0].PredictedValue)
	assert.Equal(t, "second", got[0].Explanation)
}

func TestPostgresHistoryIsNewestFirst(t *testing.T) {
	p, city := newTestPostgres(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour)
	for h := range 4 {
		at := base.Add(-time.Duration(h) * time.Hour)
		_, err := p.InsertAnomaly(ctx, models.Anomaly{
			City: city, MetricType: models.MetricAQI, DetectedAt: at, Severity: models.SeverityLow, Explanation: "x",
		})
		require.NoError(t, err)
		require.NoError(t, p.InsertRiskSnapshot(ctx, models.RiskScoreSnapshot{
			City: city, Category: "overall", Level: "low", Factors: []models.ContributingFactor{}, CalculatedAt: at,
		}))
	}

	anomalies, err := p.ListAnomalies(ctx, city, 2)
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	assert.True(t, anomalies[0].DetectedAt.Equal(base))

	snaps, err := p.ListRiskSnapshots(ctx, city, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	assert.True(t, snaps[0].CalculatedAt.After(snaps[3].CalculatedAt))

	resolved, err := p.ResolveAnomaly(ctx, anomalies[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	_, err = p.ResolveAnomaly(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
