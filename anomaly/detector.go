// Package anomaly flags current readings that deviate from a rolling
// historical baseline.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
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
	Lookback   = 30 * 24 * time.Hour
	MinSamples = 10

	MethodZScore = "z_score"
	MethodIQR    = "iqr"

	DirectionHigher = "higher"
	DirectionLower  = "lower"

	iqrMultiplier = 1.5
)

// congestion category → numeric proxy for the IQR test
var congestionProxy = map[string]float64{
	models.CongestionLow:    30,
	models.CongestionMedium: 60,
	models.CongestionHigh:   90,
}

// Finding is one anomalous current reading.
type Finding struct {
	Kind             string    `json:"type"`
	Metric           string    `json:"metric"`
	Zone             string    `json:"zone,omitempty"`
	Severity         string    `json:"severity"`
	Value            float64   `json:"current_value"`
	Expected         float64   `json:"expected_value"`
	ZScore           float64   `json:"deviation"`
	DeviationPercent float64   `json:"deviation_percent"`
	Direction        string    `json:"direction"`
	Method           string    `json:"method"`
	Bounds           []float64 `json:"iqr_bounds,omitempty"`
	Explanation      string    `json:"explanation"`
	DetectedAt       time.Time `json:"detected_at"`
}

// MetricType is the stored metric name; traffic findings are per zone.
func (f Finding) MetricType() string {
	if f.Zone != "" {
		return f.Metric + ":" + f.Zone
	}
	return f.Metric
}

func (f Finding) Anomaly(city string) models.Anomaly {
	return models.Anomaly{
		City:          city,
		MetricType:    f.MetricType(),
		DetectedAt:    f.DetectedAt,
		Value:         f.Value,
		ExpectedValue: f.Expected,
		Deviation:     f.ZScore,
		Severity:      f.Severity,
		Explanation:   f.Explanation,
	}
}

type Report struct {
	City            string    `json:"city"`
	Environment     []Finding `json:"environment_anomalies"`
	Traffic         []Finding `json:"traffic_anomalies"`
	Service         []Finding `json:"service_anomalies"`
	TotalCount      int       `json:"total_count"`
	SamplesAnalyzed int       `json:"samples_analyzed"`
	Confidence      float64   `json:"confidence_score"`
	Explanation     string    `json:"explanation"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// All returns every finding, environment first.
func (r Report) All() []Finding {
	out := make([]Finding, 0, r.TotalCount)
	out = append(out, r.Environment...)
	out = append(out, r.Traffic...)
	return append(out, r.Service...)
}

// WithSeverity keeps only findings of the given severity.
func (r Report) WithSeverity(severity string) Report {
	if severity == "" {
		return r
	}
	keep := func(in []Finding) []Finding {
		out := []Finding{}
		for _, f := range in {
			if f.Severity == severity {
				out = append(out, f)
			}
		}
		return out
	}
	r.Environment = keep(r.Environment)
	r.Traffic = keep(r.Traffic)
	r.Service = keep(r.Service)
	r.TotalCount = len(r.Environment) + len(r.Traffic) + len(r.Service)
	return r
}

// Severity maps an absolute z-score to a severity. It reports false below
// the 1.5 threshold.
func Severity(z float64) (string, bool) {
	az := math.Abs(z)
	switch {
	case az >= 3.0:
		return models.SeverityHigh, true
	case az >= 2.0:
		return models.SeverityMedium, true
	case az >= 1.5:
		return models.SeverityLow, true
	default:
		return "", false
	}
}

// ReportConfidence grows with the number of analysed samples.
func ReportConfidence(n int) float64 {
	if n < MinSamples {
		return 0
	}
	return math.Min(0.95, 0.5+float64(n)/100)
}

func direction(delta float64) string {
	if delta < 0 {
		return DirectionLower
	}
	return DirectionHigher
}

func deviationPercent(current, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	return (current - mean) / math.Abs(mean) * 100
}

// ZScoreTest checks current against the mean and sample standard deviation
// of history. It reports false when history is constant or the deviation
// is below the low threshold.
func ZScoreTest(metric string, history []float64, current float64) (Finding, bool) {
	if len(history) < 2 {
		return Finding{}, false
	}
	mean, sd := stat.MeanStdDev(history, nil)
	if sd == 0 || math.IsNaN(sd) {
		return Finding{}, false
	}
	z := (current - mean) / sd
	sev, ok := Severity(z)
	if !ok {
		return Finding{}, false
	}
	f := Finding{
		Metric:           metric,
		Severity:         sev,
		Value:            current,
		Expected:         mean,
		ZScore:           z,
		DeviationPercent: deviationPercent(current, mean),
		Direction:        direction(z),
		Method:           MethodZScore,
	}
	f.Explanation = fmt.Sprintf("%s is %.1f, %.1f%% %s than the %d-sample baseline of %.1f (z=%.2f, %s severity).",
		metric, current, math.Abs(f.DeviationPercent), f.Direction, len(history), mean, z, sev)
	return f, true
}

// Fences returns the Q1−1.5·IQR and Q3+1.5·IQR bounds of values.
func Fences(values []float64) (lower, upper float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1, q3 := quantile(0.25, sorted), quantile(0.75, sorted)
	iqr := q3 - q1
	return q1 - iqrMultiplier*iqr, q3 + iqrMultiplier*iqr
}

// quantile interpolates between the closest ranks of sorted at p·(n−1).
// stat.LinInterp ranks at p·n instead, which moves the quartiles of short
// series.
func quantile(p float64, sorted []float64) float64 {
	pos := p * float64(len(sorted)-1)
	i := int(pos)
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (pos-float64(i))*(sorted[i+1]-sorted[i])
}

// IQRTest flags current when it falls outside the fences of history.
// Severity is always medium.
func IQRTest(metric string, history []float64, current float64) (Finding, bool) {
	if len(history) < 2 {
		return Finding{}, false
	}
	lower, upper := Fences(history)
	if current >= lower && current <= upper {
		return Finding{}, false
	}
	mean := stat.Mean(history, nil)
	f := Finding{
		Metric:           metric,
		Severity:         models.SeverityMedium,
		Value:            current,
		Expected:         mean,
		DeviationPercent: deviationPercent(current, mean),
		Direction:        direction(current - mean),
		Method:           MethodIQR,
		Bounds:           []float64{lower, upper},
	}
	if _, sd := stat.MeanStdDev(history, nil); sd > 0 {
		f.ZScore = (current - mean) / sd
	}
	f.Explanation = fmt.Sprintf("%s proxy %.0f is outside the expected range [%.1f, %.1f].",
		metric, current, lower, upper)
	return f, true
}

type point struct {
	ts    time.Time
	value float64
}

// splitCandidate separates the latest point from its history.
func splitCandidate(points []point) (history []float64, candidate point) {
	candidate = points[len(points)-1]
	history = make([]float64, len(points)-1)
	for i, p := range points[:len(points)-1] {
		history[i] = p.value
	}
	return history, candidate
}

func environmentFindings(samples []models.EnvironmentSample) []Finding {
	series := make(map[string][]point)
	for _, s := range samples {
		for m, v := range s.Metrics() {
			series[m] = append(series[m], point{s.TS, v})
		}
	}
	return zScoreFindings(models.KindEnvironment, models.EnvironmentMetrics, series)
}

func serviceFindings(samples []models.ServiceSample) []Finding {
	series := make(map[string][]point)
	for _, s := range samples {
		for m, v := range s.Metrics() {
			series[m] = append(series[m], point{s.TS, v})
		}
	}
	return zScoreFindings(models.KindService, models.ServiceMetrics, series)
}

func zScoreFindings(kind string, order []string, series map[string][]point) []Finding {
	out := []Finding{}
	for _, m := range order {
		pts := series[m]
		if len(pts) < MinSamples {
			continue
		}
		history, cand := splitCandidate(pts)
		if f, ok := ZScoreTest(m, history, cand.value); ok {
			f.Kind = kind
			f.DetectedAt = cand.ts
			out = append(out, f)
		}
	}
	return out
}

func trafficFindings(samples []models.TrafficSample) []Finding {
	byZone := make(map[string][]point)
	for _, s := range samples {
		byZone[s.Zone] = append(byZone[s.Zone], point{s.TS, congestionProxy[s.Congestion()]})
	}
	zones := make([]string, 0, len(byZone))
	for z := range byZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	out := []Finding{}
	for _, zone := range zones {
		pts := byZone[zone]
		if len(pts) < MinSamples {
			continue
		}
		history, cand := splitCandidate(pts)
		if f, ok := IQRTest(models.MetricCongestion, history, cand.value); ok {
			f.Kind = models.KindTraffic
			f.Zone = zone
			f.DetectedAt = cand.ts
			f.Explanation = fmt.Sprintf("Zone %s: %s", zone, f.Explanation)
			out = append(out, f)
		}
	}
	return out
}

// Analyze runs every test over samples already loaded for one city.
func Analyze(city string, env []models.EnvironmentSample, traffic []models.TrafficSample, svc []models.ServiceSample, now time.Time) Report {
	r := Report{
		City:            city,
		Environment:     environmentFindings(env),
		Traffic:         trafficFindings(traffic),
		Service:         serviceFindings(svc),
		SamplesAnalyzed: len(env),
		Confidence:      ReportConfidence(len(env)),
		AnalyzedAt:      now,
	}
	r.TotalCount = len(r.Environment) + len(r.Traffic) + len(r.Service)

	if len(env) < MinSamples && len(traffic) < MinSamples && len(svc) < MinSamples {
		r.Explanation = fmt.Sprintf("Insufficient data for anomaly detection in %s: need at least %d samples, have %d environment, %d traffic, %d service.",
			city, MinSamples, len(env), len(traffic), len(svc))
		return r
	}

	var parts []string
	for _, f := range r.All() {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.MetricType(), f.Severity))
	}
	found := "no anomalies"
	if len(parts) > 0 {
		found = fmt.Sprintf("%d anomalies: %s", len(parts), strings.Join(parts, ", "))
	}
	r.Explanation = fmt.Sprintf(
		"Analyzed %d environment, %d traffic and %d service samples over %d days for %s using z-score (thresholds 1.5/2.0/3.0) and IQR (×%.1f) tests; found %s.",
		len(env), len(traffic), len(svc), int(Lookback.Hours()/24), city, iqrMultiplier, found)
	return r
}

type Store interface {
	storage.CityStore
	storage.AnomalyStore
	EnvironmentSamples(ctx context.Context, city string, from, to time.Time) ([]models.EnvironmentSample, error)
	TrafficSamples(ctx context.Context, city string, from, to time.Time) ([]models.TrafficSample, error)
	ServiceSamples(ctx context.Context, city string, from, to time.Time) ([]models.ServiceSample, error)
}

type Detector struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewDetector(store Store, logger *zap.Logger, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: store, logger: logging.OrNop(logger), now: now}
}

// Detect analyses the lookback window of a city without writing anything.
func (d *Detector) Detect(ctx context.Context, city string) (Report, error) {
	city = models.CityKey(city)
	if _, err := d.store.GetCity(ctx, city); err != nil {
		return Report{}, err
	}
	now := d.now().UTC()
	from := now.Add(-Lookback)

	env, err := d.store.EnvironmentSamples(ctx, city, from, now)
	if err != nil {
		return Report{}, fmt.Errorf("load environment samples: %w", err)
	}
	traffic, err := d.store.TrafficSamples(ctx, city, from, now)
	if err != nil {
		return Report{}, fmt.Errorf("load traffic samples: %w", err)
	}
	svc, err := d.store.ServiceSamples(ctx, city, from, now)
	if err != nil {
		return Report{}, fmt.Errorf("load service samples: %w", err)
	}
	return Analyze(city, env, traffic, svc, now), nil
}

// DetectAndRecord detects and stores new anomalies. Re-running over
// unchanged data stores nothing new. It returns the number of new records.
func (d *Detector) DetectAndRecord(ctx context.Context, city string) (Report, int, error) {
	r, err := d.Detect(ctx, city)
	if err != nil {
		return r, 0, err
	}
	created := 0
	for _, f := range r.All() {
		inserted, err := d.store.InsertAnomaly(ctx, f.Anomaly(r.City))
		if err != nil {
			metrics.PersistenceFailures.WithLabelValues("anomaly").Inc()
			d.logger.Error("anomaly persistence failed",
				zap.String("city", r.City),
				zap.String("metric", f.MetricType()),
				zap.Error(err))
			continue
		}
		if inserted {
			created++
			metrics.AnomaliesDetected.WithLabelValues(f.Kind, f.Severity).Inc()
		}
	}
	d.logger.Info("anomaly detection completed",
		zap.String("city", r.City),
		zap.Int("found", r.TotalCount),
		zap.Int("recorded", created))
	return r, created, nil
}
