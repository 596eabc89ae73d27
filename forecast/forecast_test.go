package forecast

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cityflow/models"
	"cityflow/storage"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

// ── confidence tests ──

func TestDayConfidenceNonIncreasing(t *testing.T) {
	for d := 1; d < MaxHorizon; d++ {
		if DayConfidence(d) < DayConfidence(d+1) {
			t.Errorf("DayConfidence(%d) = %v < DayConfidence(%d) = %v", d, DayConfidence(d), d+1, DayConfidence(d+1))
		}
	}
	assert.InDelta(t, 0.95, DayConfidence(1), 1e-9)
	assert.InDelta(t, 0.65, DayConfidence(7), 1e-9)
	assert.Equal(t, 0.5, DayConfidence(20))
}

func TestOverallConfidence(t *testing.T) {
	tests := []struct {
		name string
		r2   []float64
		want float64
	}{
		{"three series averaging 0.9", []float64{0.85, 0.9, 0.95}, 0.9},
		{"clamped high", []float64{1, 1}, 0.95},
		{"clamped low", []float64{0.1, 0.2}, 0.5},
		{"no series", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OverallConfidence(tt.r2), 1e-9)
		})
	}
}

// ── EWMA tests ──

func TestEWMA(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		level   float64
		alpha   float64
		want    float64
	}{
		{"alpha=1.0 returns current", 0.8, 0.3, 1.0, 0.8},
		{"alpha=0.0 keeps level", 0.8, 0.3, 0.0, 0.3},
		{"alpha=0.5 returns midpoint", 0.8, 0.2, 0.5, 0.5},
		{"alpha=0.3", 100, 0, 0.3, 30},
		{"equal values unchanged", 0.5, 0.5, 0.3, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ewma(tt.current, tt.level, tt.alpha)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("ewma(%v, %v, %v) = %v, want %v", tt.current, tt.level, tt.alpha, got, tt.want)
			}
		})
	}
}

// ── Linear regression tests ──

func TestFitLinearRegression(t *testing.T) {
	t.Run("perfect positive trend", func(t *testing.T) {
		xs := []float64{0, 5, 10, 15, 20, 25}
		ys := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
		slope, intercept := fitLinearRegression(xs, ys)
		if math.Abs(slope-0.02) > 0.001 {
			t.Errorf("slope = %v, want ~0.02", slope)
		}
		if math.Abs(intercept-0.1) > 0.001 {
			t.Errorf("intercept = %v, want ~0.1", intercept)
		}
		if r2 := rSquared(xs, ys, slope, intercept); math.Abs(r2-1) > 1e-6 {
			t.Errorf("R² = %v, want ~1", r2)
		}
	})

	t.Run("flat series has perfect fit", func(t *testing.T) {
		xs := []float64{0, 5, 10, 15, 20, 25}
		ys := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
		slope, intercept := fitLinearRegression(xs, ys)
		if math.Abs(slope) > 0.001 {
			t.Errorf("slope = %v, want ~0", slope)
		}
		if r2 := rSquared(xs, ys, slope, intercept); r2 != 1 {
			t.Errorf("R² = %v, want 1", r2)
		}
	})

	t.Run("single point fallback", func(t *testing.T) {
		slope, intercept := fitLinearRegression([]float64{5.0}, []float64{0.6})
		if slope != 0 {
			t.Errorf("slope = %v, want 0 for single point", slope)
		}
		if intercept != 0.6 {
			t.Errorf("intercept = %v, want 0.6 for single point", intercept)
		}
	})
}

// ── Build tests ──

func hourly(n int, temp func(i int) float64, aqi func(i int) float64) []models.EnvironmentSample {
	start := now.Add(-time.Duration(n) * time.Hour)
	out := make([]models.EnvironmentSample, n)
	for i := range out {
		out[i] = models.EnvironmentSample{TS: start.Add(time.Duration(i) * time.Hour), City: "surat"}
		if temp != nil {
			out[i].Temperature = models.Float(temp(i))
		}
		if aqi != nil {
			out[i].AQI = models.Float(aqi(i))
		}
	}
	return out
}

func TestBuildInsufficientData(t *testing.T) {
	samples := hourly(6, func(i int) float64 { return 30 }, nil)
	res := Build("surat", samples, now.Add(-Window), now, 7)

	assert.Empty(t, res.Predictions)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Contains(t, res.Explanation, "Insufficient data")
	assert.Contains(t, res.Explanation, "have 6")
}

func TestBuildTrendAndBounds(t *testing.T) {
	samples := hourly(48,
		func(i int) float64 { return 20 + 0.1*float64(i) },
		func(i int) float64 { return 100 + 10*float64(i) },
	)
	res := Build("surat", samples, now.Add(-Window), now, 7)

	require.Len(t, res.Predictions, 7)
	require.Len(t, res.Fits, 2)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	assert.Contains(t, res.Explanation, "Temperature trend: increasing")
	assert.Contains(t, res.Explanation, "AQI trend: increasing")
	assert.NotContains(t, res.Explanation, "PM2.5")

	for i, day := range res.Predictions {
		assert.Equal(t, i+1, day.Offset)
		assert.InDelta(t, DayConfidence(i+1), day.Confidence, 1e-12)
		assert.LessOrEqual(t, day.Values[models.MetricAQI], 500.0)
		assert.GreaterOrEqual(t, day.Values[models.MetricTemperature], 10.0)
		assert.LessOrEqual(t, day.Values[models.MetricTemperature], 45.0)
	}
	// AQI climbs 240/day so it hits the ceiling by day 7
	assert.Equal(t, 500.0, res.Predictions[6].Values[models.MetricAQI])
	assert.Greater(t, res.Predictions[1].Values[models.MetricTemperature], res.Predictions[0].Values[models.MetricTemperature])
}

func TestBuildSkipsShortSeries(t *testing.T) {
	samples := hourly(10, func(i int) float64 { return 30 - 0.2*float64(i) }, nil)
	for i := 0; i < 3; i++ {
		samples[i].PM25 = models.Float(40)
	}
	res := Build("surat", samples, now.Add(-Window), now, 3)

	require.Len(t, res.Fits, 1)
	assert.Equal(t, models.MetricTemperature, res.Fits[0].Metric)
	assert.Equal(t, "decreasing", res.Fits[0].Trend())
	assert.Contains(t, res.Explanation, "pm25 (3 samples)")
}

func TestBuildHorizonDefaults(t *testing.T) {
	samples := hourly(10, func(int) float64 { return 30 }, nil)
	assert.Len(t, Build("surat", samples, now.Add(-Window), now, 0).Predictions, DefaultHorizon)
	assert.Len(t, Build("surat", samples, now.Add(-Window), now, 90).Predictions, MaxHorizon)
}

func TestRecords(t *testing.T) {
	samples := hourly(10, func(int) float64 { return 30 }, func(int) float64 { return 80 })
	res := Build("surat", samples, now.Add(-Window), now, 2)
	recs := Records(res)

	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.Equal(t, ModelVersion, r.ModelVersion)
		assert.Equal(t, "surat", r.City)
		assert.True(t, r.TargetDate.After(now))
	}
}

// ── Service tests ──

func TestServiceRunPersists(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	store.AddCity(models.City{Name: "Surat"})
	for _, s := range hourly(24, func(int) float64 { return 31 }, func(i int) float64 { return 90 + float64(i) }) {
		require.NoError(t, store.InsertEnvironment(ctx, s))
	}

	svc := NewService(store, zaptest.NewLogger(t), func() time.Time { return now })
	res, err := svc.Run(ctx, "Surat", 7)
	require.NoError(t, err)
	require.Len(t, res.Predictions, 7)

	stored, err := store.ForecastsBetween(ctx, "surat", now, now.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Len(t, stored, 14)
}

func TestServiceUnknownCity(t *testing.T) {
	svc := NewService(storage.NewMemory(), zaptest.NewLogger(t), func() time.Time { return now })
	_, err := svc.Forecast(context.Background(), "atlantis", 7)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
