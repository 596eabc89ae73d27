package anomaly

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cityflow/models"
	"cityflow/storage"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

// mean 25, sample stdev 5
var baseline = []float64{20, 20, 20, 20, 30, 30, 30, 30, 25}

// ── severity tests ──

func TestSeverity(t *testing.T) {
	tests := []struct {
		z    float64
		want string
		ok   bool
	}{
		{0, "", false},
		{1.49, "", false},
		{-1.49, "", false},
		{1.5, models.SeverityLow, true},
		{-1.99, models.SeverityLow, true},
		{2.0, models.SeverityMedium, true},
		{2.99, models.SeverityMedium, true},
		{3.0, models.SeverityHigh, true},
		{-7, models.SeverityHigh, true},
	}
	for _, tt := range tests {
		got, ok := Severity(tt.z)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Severity(%v) = (%q, %v), want (%q, %v)", tt.z, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReportConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ReportConfidence(9))
	assert.InDelta(t, 0.6, ReportConfidence(10), 1e-12)
	assert.Equal(t, 0.95, ReportConfidence(500))
}

// ── z-score tests ──

func TestZScoreTestHighDeviation(t *testing.T) {
	f, ok := ZScoreTest(models.MetricTemperature, baseline, 40)
	require.True(t, ok)

	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.Equal(t, DirectionHigher, f.Direction)
	assert.InDelta(t, 3.0, f.ZScore, 1e-9)
	assert.InDelta(t, 25.0, f.Expected, 1e-9)
	assert.InDelta(t, 60.0, f.DeviationPercent, 1e-9)
	assert.Equal(t, MethodZScore, f.Method)
	assert.Contains(t, f.Explanation, "higher")
}

func TestZScoreTestBelowThreshold(t *testing.T) {
	for _, current := range []float64{25, 31, 18} {
		if _, ok := ZScoreTest(models.MetricTemperature, baseline, current); ok {
			t.Errorf("ZScoreTest(%v) flagged, want no anomaly for |z| < 1.5", current)
		}
	}
}

func TestZScoreTestLower(t *testing.T) {
	f, ok := ZScoreTest(models.MetricAQI, baseline, 10)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.Equal(t, DirectionLower, f.Direction)
	assert.InDelta(t, -60.0, f.DeviationPercent, 1e-9)
}

func TestZScoreTestConstantHistorySkipped(t *testing.T) {
	_, ok := ZScoreTest(models.MetricAQI, []float64{50, 50, 50, 50}, 500)
	assert.False(t, ok)
}

// ── IQR tests ──

func TestIQRTest(t *testing.T) {
	history := make([]float64, 12)
	for i := range history {
		history[i] = 30
	}

	f, ok := IQRTest(models.MetricCongestion, history, 90)
	require.True(t, ok)
	assert.Equal(t, models.SeverityMedium, f.Severity)
	assert.Equal(t, MethodIQR, f.Method)
	assert.Equal(t, []float64{30, 30}, f.Bounds)
	assert.Equal(t, DirectionHigher, f.Direction)

	_, ok = IQRTest(models.MetricCongestion, history, 30)
	assert.False(t, ok)
}

func TestFencesContainBulk(t *testing.T) {
	values := []float64{30, 60, 30, 60, 30, 60, 30, 60}
	lower, upper := Fences(values)
	for _, v := range values {
		assert.True(t, v >= lower && v <= upper, "%v outside [%v, %v]", v, lower, upper)
	}
}

func TestQuartilesInterpolateBetweenRanks(t *testing.T) {
	tests := []struct {
		values         []float64
		wantQ1, wantQ3 float64
	}{
		{[]float64{1, 2, 3, 4}, 1.75, 3.25},
		{[]float64{10, 20, 30, 40, 50}, 20, 40},
		{[]float64{7, 1, 3}, 2, 5},
		{[]float64{42}, 42, 42},
	}
	for _, tt := range tests {
		sorted := append([]float64(nil), tt.values...)
		sort.Float64s(sorted)
		if q1, q3 := quantile(0.25, sorted), quantile(0.75, sorted); q1 != tt.wantQ1 || q3 != tt.wantQ3 {
			t.Errorf("quartiles(%v) = %v, %v, want %v, %v", tt.values, q1, q3, tt.wantQ1, tt.wantQ3)
		}
	}

	// 1..4: IQR 1.5, so the fences sit 2.25 beyond the quartiles
	lower, upper := Fences([]float64{4, 3, 2, 1})
	assert.Equal(t, -0.5, lower)
	assert.Equal(t, 5.5, upper)
}

// ── detector tests ──

func seedTemperature(t *testing.T, store *storage.Memory, values []float64) {
	t.Helper()
	start := now.Add(-time.Duration(len(values)) * time.Hour)
	for i, v := range values {
		require.NoError(t, store.InsertEnvironment(context.Background(), models.EnvironmentSample{
			TS:          start.Add(time.Duration(i) * time.Hour),
			City:        "surat",
			Temperature: models.Float(v),
			AQI:         models.Float(80),
		}))
	}
}

func newDetector(t *testing.T) (*Detector, *storage.Memory) {
	store := storage.NewMemory()
	store.AddCity(models.City{Name: "surat"})
	return NewDetector(store, zaptest.NewLogger(t), func() time.Time { return now }), store
}

func TestDetectUnknownCity(t *testing.T) {
	d, _ := newDetector(t)
	_, err := d.Detect(context.Background(), "atlantis")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDetectInsufficientData(t *testing.T) {
	d, store := newDetector(t)
	seedTemperature(t, store, []float64{20, 21, 22})

	r, err := d.Detect(context.Background(), "surat")
	require.NoError(t, err)
	assert.Equal(t, 0, r.TotalCount)
	assert.Equal(t, 0.0, r.Confidence)
	assert.Contains(t, r.Explanation, "Insufficient data")
}

func TestDetectEnvironmentAndTraffic(t *testing.T) {
	ctx := context.Background()
	d, store := newDetector(t)
	seedTemperature(t, store, append(append([]float64{}, baseline...), 40))

	start := now.Add(-12 * time.Hour)
	for i := 0; i < 12; i++ {
		density := 20.0
		if i == 11 {
			density = 85
		}
		for _, zone := range []string{"A", "B"} {
			v := density
			if zone == "B" {
				v = 20
			}
			require.NoError(t, store.InsertTraffic(ctx, models.TrafficSample{
				TS: start.Add(time.Duration(i) * time.Hour), City: "surat", Zone: zone, DensityPercent: v,
			}))
		}
	}

	r, err := d.Detect(ctx, "Surat")
	require.NoError(t, err)

	require.Len(t, r.Environment, 1)
	env := r.Environment[0]
	assert.Equal(t, models.MetricTemperature, env.Metric)
	assert.Equal(t, models.KindEnvironment, env.Kind)
	assert.Equal(t, models.SeverityHigh, env.Severity)
	assert.Equal(t, now.Add(-time.Hour), env.DetectedAt)

	require.Len(t, r.Traffic, 1)
	assert.Equal(t, "A", r.Traffic[0].Zone)
	assert.Equal(t, 90.0, r.Traffic[0].Value)
	assert.Equal(t, "traffic_congestion:A", r.Traffic[0].MetricType())

	assert.Empty(t, r.Service)
	assert.Equal(t, 2, r.TotalCount)
	assert.InDelta(t, 0.6, r.Confidence, 1e-12)

	high := r.WithSeverity(models.SeverityHigh)
	assert.Equal(t, 1, high.TotalCount)
	assert.Empty(t, high.Traffic)
}

func TestDetectAndRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, store := newDetector(t)
	seedTemperature(t, store, append(append([]float64{}, baseline...), 40))

	_, created, err := d.DetectAndRecord(ctx, "surat")
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	_, created, err = d.DetectAndRecord(ctx, "surat")
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	open, err := store.UnresolvedAnomalies(ctx, "surat", now.Add(-Lookback))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.SeverityHigh, open[0].Severity)
	assert.InDelta(t, 25.0, open[0].ExpectedValue, 1e-9)
}
