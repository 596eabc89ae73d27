package explain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/anomaly"
	"cityflow/forecast"
	"cityflow/models"
	"cityflow/risk"
	"cityflow/scenario"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, LevelHigh},
		{0.8, LevelHigh},
		{0.79, LevelMedium},
		{0.6, LevelMedium},
		{0.59, LevelLow},
		{0, LevelLow},
	}
	for _, tt := range tests {
		if got := Bucket(tt.score); got != tt.want {
			t.Errorf("Bucket(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

// ── forecast ──

func TestForecastExplanation(t *testing.T) {
	r := forecast.Result{
		City:       "surat",
		Method:     forecast.Method,
		DataPoints: 240,
		Confidence: 0.9,
		Fits:       []forecast.Fit{{Metric: models.MetricTemperature, Slope: 0.1, R2: 0.9}},
		Predictions: []forecast.Day{
			{Offset: 1, Confidence: 0.95},
			{Offset: 7, Confidence: 0.65},
		},
	}
	e := Forecast(r)
	assert.Equal(t, LevelHigh, e.Confidence.Level)
	assert.Contains(t, e.Summary, "240 samples")
	assert.Contains(t, e.Factors[1].Impact, "temperature increasing")
	assert.Contains(t, e.Reasoning, "0.95 on day 1 to 0.65 on day 7")
}

func TestForecastExplanationInsufficientData(t *testing.T) {
	e := Forecast(forecast.Result{City: "surat", DataPoints: 3, Explanation: "Insufficient data: need 7 samples, have 3"})
	assert.Equal(t, LevelLow, e.Confidence.Level)
	assert.Contains(t, e.Summary, "Insufficient data")
	require.Len(t, e.Factors, 1)
}

// ── risk ──

func TestRiskExplanationRanksByWeightedScore(t *testing.T) {
	a := risk.Assessment{
		City:         "surat",
		OverallScore: 0.405,
		Level:        risk.LevelMedium,
		Confidence:   0.85,
		Components: risk.Components{
			Environment: risk.Component{Name: models.RiskComponentEnvironment, Score: 0.8, Weight: 0.35},
			Traffic:     risk.Component{Name: models.RiskComponentTraffic, Score: 0.3, Weight: 0.25},
			Services:    risk.Component{Name: models.RiskComponentServices, Score: 0.2, Weight: 0.25},
			Anomalies:   risk.Component{Name: models.RiskComponentAnomalies, Score: 0, Weight: 0.15},
		},
	}
	e := Risk(a)
	require.Len(t, e.Factors, 4)
	assert.Equal(t, "Environment", e.Factors[0].Name)
	assert.Equal(t, "Anomalies", e.Factors[3].Name)
	assert.Contains(t, e.Factors[0].Impact, "contributing significantly")
	assert.Contains(t, e.Summary, "Medium risk (0.41/1.0)")
	assert.Contains(t, e.Reasoning, "environment 35%")
	assert.Equal(t, LevelHigh, e.Confidence.Level)
}

// ── anomalies ──

func TestAnomaliesExplanation(t *testing.T) {
	r := anomaly.Report{
		City: "surat",
		Environment: []anomaly.Finding{
			{Severity: models.SeverityHigh, Method: anomaly.MethodZScore, Explanation: "temperature far above baseline"},
		},
		Traffic: []anomaly.Finding{
			{Severity: models.SeverityMedium, Method: anomaly.MethodIQR, Explanation: "zone A congestion outside fences"},
		},
		TotalCount:      2,
		SamplesAnalyzed: 40,
		Confidence:      0.9,
	}
	e := Anomalies(r)
	assert.Equal(t, "2 anomalies detected in surat (1 high, 1 medium, 0 low)", e.Summary)
	require.Len(t, e.Factors, 2)
	assert.Equal(t, 0.5, e.Factors[0].Weight)
	assert.Contains(t, e.Reasoning, "zone A congestion")
}

func TestAnomaliesExplanationEmpty(t *testing.T) {
	e := Anomalies(anomaly.Report{City: "surat", Confidence: 0.7, SamplesAnalyzed: 20})
	assert.Equal(t, "No anomalies detected in surat", e.Summary)
	assert.Equal(t, LevelMedium, e.Confidence.Level)
}

// ── scenario ──

func TestScenarioExplanation(t *testing.T) {
	r := scenario.Result{
		City: "surat",
		Zone: "A",
		Impacts: []models.Impact{
			{Metric: scenario.ImpactAQI, Direction: models.DirectionDecrease, ChangePercent: -25.48, Confidence: 0.78},
			{Metric: scenario.ImpactBaseline, Direction: models.DirectionBaseline, Confidence: 0.85},
			{Metric: scenario.ImpactSpillover, Direction: models.DirectionIncrease, ChangePercent: 3, Confidence: 0.65},
		},
		OverallConfidence: 0.76,
		Explanation:       "Zone A.",
		Recommendation:    "Recommended.",
	}
	e := Scenario(r)
	assert.Contains(t, e.Summary, "1 improvements, 1 trade-offs")
	assert.Equal(t, "baseline context", e.Factors[1].Impact)
	assert.Equal(t, "Zone A. Recommended.", e.Reasoning)
	assert.Equal(t, LevelMedium, e.Confidence.Level)
}
