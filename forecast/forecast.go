// Package forecast produces short-horizon daily predictions of
// environment metrics from an exponentially smoothed level blended with a
// least-squares trend.
package forecast

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

const (
	Window         = 15 * 24 * time.Hour
	MinSamples     = 7
	DefaultHorizon = 7
	MaxHorizon     = 30
	ModelVersion   = "smoothing-regression-v1"
	Method         = "exponential_smoothing_regression"

	smoothingAlpha = 0.3
)

type bounds struct{ min, max float64 }

// Metrics are forecast in this order.
var Metrics = []string{models.MetricTemperature, models.MetricAQI, models.MetricPM25}

var metricBounds = map[string]bounds{
	models.MetricTemperature: {10, 45},
	models.MetricAQI:         {0, 500},
	models.MetricPM25:        {0, 500},
}

// Point is one reading placed on the hours-since-window-start axis.
type Point struct {
	Hour  float64
	Value float64
}

// Fit is the fitted model of one metric series.
type Fit struct {
	Metric    string  `json:"metric"`
	Samples   int     `json:"samples"`
	Level     float64 `json:"level"`
	Slope     float64 `json:"slope_per_hour"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r_squared"`
	LastHour  float64 `json:"-"`
}

func (f Fit) Trend() string {
	switch {
	case f.Slope > 0:
		return "increasing"
	case f.Slope < 0:
		return "decreasing"
	default:
		return "stable"
	}
}

// Predict returns the clamped blend of trend projection and smoothed level
// for the given number of days after the last observation.
func (f Fit) Predict(day int) float64 {
	trend := f.Slope*(f.LastHour+float64(day)*24) + f.Intercept
	v := (trend + f.Level) / 2
	if b, ok := metricBounds[f.Metric]; ok {
		v = math.Max(b.min, math.Min(b.max, v))
	}
	return v
}

type Day struct {
	Date       time.Time          `json:"date"`
	Offset     int                `json:"offset_days"`
	Values     map[string]float64 `json:"values"`
	Confidence float64            `json:"confidence"`
}

type Result struct {
	City        string    `json:"city"`
	Predictions []Day     `json:"predictions"`
	Fits        []Fit     `json:"fits"`
	Confidence  float64   `json:"confidence_score"`
	Explanation string    `json:"explanation"`
	Method      string    `json:"method"`
	DataPoints  int       `json:"data_points"`
	GeneratedAt time.Time `json:"generated_at"`
}

// DayConfidence degrades 5% per day with a floor of 0.5.
func DayConfidence(day int) float64 {
	return math.Max(0.5, 1.0-0.05*float64(day))
}

// OverallConfidence is the mean goodness of fit clamped to [0.5, 0.95].
func OverallConfidence(r2 []float64) float64 {
	if len(r2) == 0 {
		return 0
	}
	return math.Max(0.5, math.Min(0.95, stat.Mean(r2, nil)))
}

// ewma blends an observation into the running level.
func ewma(current, level, alpha float64) float64 {
	return alpha*current + (1-alpha)*level
}

func smoothedLevel(values []float64, alpha float64) float64 {
	level := values[0]
	for _, v := range values[1:] {
		level = ewma(v, level, alpha)
	}
	return level
}

// fitLinearRegression falls back to a flat line through the single point
// (or the mean) when x has no spread.
func fitLinearRegression(xs, ys []float64) (slope, intercept float64) {
	if len(xs) < 2 || stat.Variance(xs, nil) == 0 {
		return 0, stat.Mean(ys, nil)
	}
	intercept, slope = stat.LinearRegression(xs, ys, nil, false)
	return slope, intercept
}

func rSquared(xs, ys []float64, slope, intercept float64) float64 {
	if stat.Variance(ys, nil) == 0 {
		// a flat series is explained perfectly by a flat line
		return 1
	}
	r2 := stat.RSquared(xs, ys, nil, intercept, slope)
	if math.IsNaN(r2) {
		return 0
	}
	return math.Max(0, r2)
}

// FitSeries fits one metric. It reports false when there are fewer than
// MinSamples points.
func FitSeries(metric string, points []Point) (Fit, bool) {
	if len(points) < MinSamples {
		return Fit{Metric: metric, Samples: len(points)}, false
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i] = p.Hour, p.Value
	}
	slope, intercept := fitLinearRegression(xs, ys)
	return Fit{
		Metric:    metric,
		Samples:   len(points),
		Level:     smoothedLevel(ys, smoothingAlpha),
		Slope:     slope,
		Intercept: intercept,
		R2:        rSquared(xs, ys, slope, intercept),
		LastHour:  xs[len(xs)-1],
	}, true
}

// seriesFrom splits samples into per-metric point lists, skipping nulls.
func seriesFrom(samples []models.EnvironmentSample, start time.Time) map[string][]Point {
	out := make(map[string][]Point, len(Metrics))
	for _, s := range samples {
		hour := s.TS.Sub(start).Hours()
		vals := s.Metrics()
		for _, m := range Metrics {
			if v, ok := vals[m]; ok {
				out[m] = append(out[m], Point{Hour: hour, Value: v})
			}
		}
	}
	return out
}

// Build computes a forecast from samples already loaded for the window
// starting at start. It never fails; short series yield an empty result.
func Build(city string, samples []models.EnvironmentSample, start, now time.Time, horizon int) Result {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if horizon > MaxHorizon {
		horizon = MaxHorizon
	}
	res := Result{City: city, Method: Method, DataPoints: len(samples), GeneratedAt: now, Predictions: []Day{}}

	series := seriesFrom(samples, start)
	var (
		fits    []Fit
		r2      []float64
		skipped []string
	)
	for _, m := range Metrics {
		fit, ok := FitSeries(m, series[m])
		if !ok {
			if fit.Samples > 0 {
				skipped = append(skipped, fmt.Sprintf("%s (%d samples)", m, fit.Samples))
			}
			continue
		}
		fits = append(fits, fit)
		r2 = append(r2, fit.R2)
	}

	if len(fits) == 0 {
		res.Explanation = fmt.Sprintf(
			"Insufficient data for %s: need at least %d valid samples in the last %d days, have %d.",
			city, MinSamples, int(Window.Hours()/24), maxSeriesLen(series))
		return res
	}

	res.Fits = fits
	for d := 1; d <= horizon; d++ {
		day := Day{
			Date:       now.AddDate(0, 0, d).Truncate(24 * time.Hour),
			Offset:     d,
			Values:     make(map[string]float64, len(fits)),
			Confidence: DayConfidence(d),
		}
		for _, f := range fits {
			day.Values[f.Metric] = math.Round(f.Predict(d)*10) / 10
		}
		res.Predictions = append(res.Predictions, day)
	}
	res.Confidence = OverallConfidence(r2)

	var b strings.Builder
	fmt.Fprintf(&b, "Forecast for %s from %d readings over the last %d days. ", city, len(samples), int(Window.Hours()/24))
	for _, f := range fits {
		fmt.Fprintf(&b, "%s trend: %s (R²=%.2f). ", metricLabel(f.Metric), f.Trend(), f.R2)
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "Not forecast for lack of data: %s. ", strings.Join(skipped, ", "))
	}
	b.WriteString("Blends exponential smoothing with a linear trend; confidence degrades 5% per day.")
	res.Explanation = b.String()
	return res
}

func maxSeriesLen(series map[string][]Point) int {
	n := 0
	for _, pts := range series {
		n = max(n, len(pts))
	}
	return n
}

func metricLabel(m string) string {
	switch m {
	case models.MetricAQI:
		return "AQI"
	case models.MetricPM25:
		return "PM2.5"
	case models.MetricTemperature:
		return "Temperature"
	}
	return m
}

// Records flattens a result into one record per metric per day.
func Records(res Result) []models.ForecastRecord {
	var out []models.ForecastRecord
	for _, day := range res.Predictions {
		for _, f := range res.Fits {
			out = append(out, models.ForecastRecord{
				City:           res.City,
				MetricType:     f.Metric,
				TargetDate:     day.Date,
				PredictedValue: day.Values[f.Metric],
				Confidence:     day.Confidence,
				Explanation:    fmt.Sprintf("%s %s trend, day %d of %d", metricLabel(f.Metric), f.Trend(), day.Offset, len(res.Predictions)),
				ModelVersion:   ModelVersion,
				CreatedAt:      res.GeneratedAt,
			})
		}
	}
	return out
}

type Store interface {
	storage.CityStore
	storage.ForecastStore
	EnvironmentSamples(ctx context.Context, city string, from, to time.Time) ([]models.EnvironmentSample, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, logger: logging.OrNop(logger), now: now}
}

// Forecast loads the trailing window of a city and predicts horizon days.
// Unknown cities return storage.ErrNotFound.
func (s *Service) Forecast(ctx context.Context, city string, horizon int) (Result, error) {
	city = models.CityKey(city)
	if _, err := s.store.GetCity(ctx, city); err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	start := now.Add(-Window)
	samples, err := s.store.EnvironmentSamples(ctx, city, start, now)
	if err != nil {
		return Result{}, fmt.Errorf("load environment samples: %w", err)
	}
	res := Build(city, samples, start, now, horizon)
	if len(res.Predictions) == 0 {
		metrics.ForecastsGenerated.WithLabelValues("insufficient_data").Inc()
	} else {
		metrics.ForecastsGenerated.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// Run forecasts and persists the records. A write failure is logged and the
// computed result is still returned.
func (s *Service) Run(ctx context.Context, city string, horizon int) (Result, error) {
	res, err := s.Forecast(ctx, city, horizon)
	if err != nil {
		return res, err
	}
	recs := Records(res)
	if len(recs) == 0 {
		return res, nil
	}
	if err := s.store.InsertForecasts(ctx, recs); err != nil {
		metrics.PersistenceFailures.WithLabelValues("forecast").Inc()
		s.logger.Error("forecast persistence failed", zap.String("city", res.City), zap.Error(err))
		return res, nil
	}
	s.logger.Info("forecast stored",
		zap.String("city", res.City),
		zap.Int("records", len(recs)),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}
