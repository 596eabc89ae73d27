package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryCityLookupIsCaseInsensitive(t *testing.T) {
	m := NewMemory()
	m.AddCity(models.City{Name: "Ahmedabad", State: "Gujarat"})

	c, err := m.GetCity(context.Background(), " AHMEDABAD ")
	require.NoError(t, err)
	assert.Equal(t, "ahmedabad", c.Name)
	assert.NotEmpty(t, c.ID)

	_, err = m.GetCity(context.Background(), "atlantis")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySamplesAreOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, h := range []int{3, 1, 2, 10} {
		require.NoError(t, m.InsertEnvironment(ctx, models.EnvironmentSample{
			TS: t0.Add(time.Duration(h) * time.Hour), City: "surat", AQI: models.Float(float64(h)),
		}))
	}
	require.NoError(t, m.InsertEnvironment(ctx, models.EnvironmentSample{TS: t0, City: "pune", AQI: models.Float(1)}))

	got, err := m.EnvironmentSamples(ctx, "surat", t0, t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, want := range []float64{1, 2, 3} {
		assert.Equal(t, want, *got[i].AQI)
	}

	latest, err := m.LatestEnvironment(ctx, "surat")
	require.NoError(t, err)
	assert.Equal(t, 10.0, *latest.AQI)

	_, err = m.LatestEnvironment(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDuplicateSampleIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s := models.TrafficSample{TS: t0, City: "surat", Zone: "A", DensityPercent: 50, Source: "sensor"}
	require.NoError(t, m.InsertTraffic(ctx, s))
	require.NoError(t, m.InsertTraffic(ctx, s))

	got, err := m.TrafficSamples(ctx, "surat", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryLatestTrafficByZone(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, s := range []models.TrafficSample{
		{TS: t0, City: "surat", Zone: "A", DensityPercent: 20},
		{TS: t0.Add(time.Hour), City: "surat", Zone: "A", DensityPercent: 80},
		{TS: t0, City: "surat", Zone: "B", DensityPercent: 40},
	} {
		require.NoError(t, m.InsertTraffic(ctx, s))
	}

	got, err := m.LatestTrafficByZone(ctx, "surat")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Zone)
	assert.Equal(t, 80.0, got[0].DensityPercent)
	assert.Equal(t, "B", got[1].Zone)
}

func TestMemoryAnomalyInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := models.Anomaly{City: "surat", MetricType: models.MetricAQI, DetectedAt: t0, Value: 160, Severity: models.SeverityHigh}

	inserted, err := m.InsertAnomaly(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertAnomaly(ctx, a)
	require.NoError(t, err)
	assert.False(t, inserted)

	open, err := m.UnresolvedAnomalies(ctx, "surat", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := m.ResolveAnomaly(ctx, open[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "surat", resolved.City)
	open, err = m.UnresolvedAnomalies(ctx, "surat", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = m.ResolveAnomaly(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInsertAlertIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := models.Alert{City: "surat", Type: models.AlertTypeRisk, Signature: "risk:overall", Severity: models.AlertSeverityCritical}

	ok, err := m.InsertAlertIfAbsent(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.InsertAlertIfAbsent(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok, "second active alert with same signature must be rejected")

	other := a
	other.City = "pune"
	ok, err = m.InsertAlertIfAbsent(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok, "different city is a different signature scope")
}

func TestMemoryInsertAlertIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := models.Alert{City: "surat", Type: models.AlertTypeAnomaly, Signature: "sig-1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.InsertAlertIfAbsent(ctx, a)
			if err == nil && ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestMemoryResolveAlert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := models.Alert{City: "surat", Type: models.AlertTypeRisk, Signature: "risk:overall", Metadata: map[string]any{"score": 0.8}}
	_, err := m.InsertAlertIfAbsent(ctx, a)
	require.NoError(t, err)

	list, err := m.ListAlerts(ctx, models.AlertFilter{City: "surat"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	resolved, err := m.ResolveAlert(ctx, id, t0, map[string]any{models.MetaAcknowledgedBy: "ops"})
	require.NoError(t, err)
	assert.False(t, resolved.IsActive)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, t0, *resolved.ResolvedAt)
	assert.Equal(t, "ops", resolved.Metadata[models.MetaAcknowledgedBy])
	assert.Equal(t, 0.8, resolved.Metadata["score"])

	again, err := m.ResolveAlert(ctx, id, t0.Add(time.Hour), map[string]any{models.MetaAcknowledgedBy: "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, t0, *again.ResolvedAt, "second resolve must not change resolved_at")
	assert.Equal(t, "ops", again.Metadata[models.MetaAcknowledgedBy])

	_, err = m.ResolveAlert(ctx, "missing", t0, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// signature is free again once resolved
	ok, err := m.InsertAlertIfAbsent(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryListAlertsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed := []models.Alert{
		{City: "surat", Type: models.AlertTypeRisk, Signature: "1", Audience: models.AudienceBoth, Severity: models.AlertSeverityCritical, CreatedAt: t0},
		{City: "surat", Type: models.AlertTypeAnomaly, Signature: "2", Audience: models.AudienceInternal, Severity: models.AlertSeverityWarning, CreatedAt: t0.Add(time.Minute)},
		{City: "surat", Type: models.AlertTypeForecast, Signature: "3", Audience: models.AudiencePublic, Severity: models.AlertSeverityInfo, CreatedAt: t0.Add(2 * time.Minute)},
	}
	for _, a := range seed {
		_, err := m.InsertAlertIfAbsent(ctx, a)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter models.AlertFilter
		want   []string
	}{
		{"all newest first", models.AlertFilter{}, []string{"3", "2", "1"}},
		{"public includes both", models.AlertFilter{Audience: models.AudiencePublic}, []string{"3", "1"}},
		{"internal includes both", models.AlertFilter{Audience: models.AudienceInternal}, []string{"2", "1"}},
		{"severity", models.AlertFilter{Severity: models.AlertSeverityWarning}, []string{"2"}},
		{"limit", models.AlertFilter{Limit: 1}, []string{"3"}},
		{"since", models.AlertFilter{Since: t0.Add(90 * time.Second)}, []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListAlerts(ctx, tt.filter)
			require.NoError(t, err)
			var sigs []string
			for _, a := range got {
				sigs = append(sigs, a.Signature)
			}
			assert.Equal(t, tt.want, sigs)
		})
	}
}

func TestMemoryHistoryIsNewestFirstAndClamped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for h := range 120 {
		at := t0.Add(time.Duration(h) * time.Hour)
		_, err := m.InsertAnomaly(ctx, models.Anomaly{City: "surat", MetricType: models.MetricAQI, DetectedAt: at})
		require.NoError(t, err)
		require.NoError(t, m.InsertRiskSnapshot(ctx, models.RiskScoreSnapshot{City: "surat", CalculatedAt: at}))
	}
	_, err := m.InsertAnomaly(ctx, models.Anomaly{City: "pune", MetricType: models.MetricAQI, DetectedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	anomalies, err := m.ListAnomalies(ctx, "surat", 0)
	require.NoError(t, err)
	require.Len(t, anomalies, DefaultAnomalyLimit)
	assert.Equal(t, t0.Add(119*time.Hour), anomalies[0].DetectedAt)
	assert.Equal(t, t0.Add(20*time.Hour), anomalies[DefaultAnomalyLimit-1].DetectedAt)

	anomalies, err = m.ListAnomalies(ctx, "pune", 5)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)

	snaps, err := m.ListRiskSnapshots(ctx, "surat", 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, want := range []int{119, 118, 117} {
		assert.Equal(t, t0.Add(time.Duration(want)*time.Hour), snaps[i].CalculatedAt)
	}

	snaps, err = m.ListRiskSnapshots(ctx, "surat", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, DefaultRiskLimit)
}

func TestMemoryForecastRerunReplacesPrediction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	day := t0.Truncate(24 * time.Hour).AddDate(0, 0, 1)
	rec := models.ForecastRecord{City: "surat", MetricType: models.MetricAQI, TargetDate: day, PredictedValue: 110, ModelVersion: "v1", CreatedAt: t0}
	require.NoError(t, m.InsertForecasts(ctx, []models.ForecastRecord{rec}))

	rec.PredictedValue, rec.CreatedAt = 130, t0.Add(time.Hour)
	other := rec
	other.ModelVersion = "v2"
	require.NoError(t, m.InsertForecasts(ctx, []models.ForecastRecord{rec, other}))

	got, err := m.ForecastsBetween(ctx, "surat", t0, day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 130.0, got[0].PredictedValue)
	assert.Equal(t, "v1", got[0].ModelVersion)
	assert.Equal(t, "v2", got[1].ModelVersion)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestClamp(t *testing.T) {
	tests := []struct{ in, def, most, want int }{
		{0, DefaultAnomalyLimit, MaxAnomalyLimit, 100},
		{5000, DefaultAnomalyLimit, MaxAnomalyLimit, 1000},
		{-1, DefaultRiskLimit, MaxRiskLimit, 30},
		{400, DefaultRiskLimit, MaxRiskLimit, 365},
		{7, DefaultRiskLimit, MaxRiskLimit, 7},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in, tt.def, tt.most); got != tt.want {
			t.Errorf("Clamp(%d, %d, %d) = %d, want %d", tt.in, tt.def, tt.most, got, tt.want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultAlertLimit},
		{-3, DefaultAlertLimit},
		{10, 10},
		{500, MaxAlertLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemorySourcesUpsertKeepsID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertSource(ctx, models.DataSourceHealth{Name: "weather-api", Type: models.KindEnvironment, IsOnline: true}))
	first, err := m.GetSource(ctx, "weather-api")
	require.NoError(t, err)

	require.NoError(t, m.UpsertSource(ctx, models.DataSourceHealth{Name: "weather-api", Type: models.KindEnvironment, FailureCount: 2}))
	second, err := m.GetSource(ctx, "weather-api")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.FailureCount)

	_, err = m.GetSource(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
