// Package risk combines environment, traffic, service and anomaly signals
// into one composite score per city.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cityflow/config"
	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"

	// Neutral is used for a component with no recent data.
	Neutral = 0.5

	Freshness     = 2 * time.Hour
	AnomalyWindow = 7 * 24 * time.Hour
	topZones      = 3
)

// data confidence per source kind
const (
	confidenceEnvironment = 0.9
	confidenceTraffic     = 0.85
	confidenceServices    = 0.8
)

// Level buckets a score: ≥0.7 high, ≥0.4 medium, else low.
func Level(score float64) string {
	switch {
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

type Component struct {
	Name        string     `json:"name"`
	Score       float64    `json:"score"`
	Weight      float64    `json:"weight"`
	HasData     bool       `json:"has_data"`
	Confidence  float64    `json:"data_confidence"`
	Explanation string     `json:"explanation"`
	DataAt      *time.Time `json:"data_at,omitempty"`
}

type Components struct {
	Environment Component `json:"environment"`
	Traffic     Component `json:"traffic"`
	Services    Component `json:"services"`
	Anomalies   Component `json:"anomalies"`
}

// List returns the components in weight-table order.
func (c Components) List() []Component {
	return []Component{c.Environment, c.Traffic, c.Services, c.Anomalies}
}

type Assessment struct {
	City            string     `json:"city"`
	OverallScore    float64    `json:"overall_score"`
	Level           string     `json:"risk_level"`
	Components      Components `json:"components"`
	Explanation     string     `json:"explanation"`
	Recommendations []string   `json:"recommendations"`
	Confidence      float64    `json:"confidence_score"`
	CalculatedAt    time.Time  `json:"calculated_at"`
	SnapshotID      string     `json:"snapshot_id,omitempty"`
}

// Snapshot is the append-only history record of an assessment.
func (a Assessment) Snapshot() models.RiskScoreSnapshot {
	factors := make([]models.ContributingFactor, 0, 4)
	for _, c := range a.Components.List() {
		factors = append(factors, models.ContributingFactor{Component: c.Name, Score: c.Score, Weight: c.Weight})
	}
	return models.RiskScoreSnapshot{
		ID:           a.SnapshotID,
		City:         a.City,
		Category:     models.RiskCategoryOverall,
		Score:        a.OverallScore,
		Level:        a.Level,
		Factors:      factors,
		CalculatedAt: a.CalculatedAt,
	}
}

// ── component scoring ──

func missing(name string, weight float64, what string) Component {
	return Component{
		Name:        name,
		Score:       Neutral,
		Weight:      weight,
		Explanation: fmt.Sprintf("no recent data (%s); scored neutral %.1f", what, Neutral),
	}
}

// TemperatureRisk is zero inside [15, 40] °C and grows over a 10° band.
func TemperatureRisk(t float64) float64 {
	switch {
	case t > 40:
		return math.Min(1, (t-40)/10)
	case t < 15:
		return math.Min(1, (15-t)/10)
	default:
		return 0
	}
}

func EnvironmentScore(s models.EnvironmentSample, weight float64) Component {
	if s.AQI == nil && s.Temperature == nil {
		return missing(models.RiskComponentEnvironment, weight, "no AQI or temperature reading")
	}
	var aqiRisk, tempRisk float64
	var parts []string
	if s.AQI != nil {
		aqiRisk = clamp01(*s.AQI / 500)
		parts = append(parts, fmt.Sprintf("AQI %.0f (risk %.2f)", *s.AQI, aqiRisk))
	}
	if s.Temperature != nil {
		tempRisk = TemperatureRisk(*s.Temperature)
		parts = append(parts, fmt.Sprintf("temperature %.1f°C (risk %.2f)", *s.Temperature, tempRisk))
	}
	ts := s.TS
	return Component{
		Name:        models.RiskComponentEnvironment,
		Score:       0.7*aqiRisk + 0.3*tempRisk,
		Weight:      weight,
		HasData:     true,
		Confidence:  confidenceEnvironment,
		Explanation: strings.Join(parts, ", "),
		DataAt:      &ts,
	}
}

// TrafficScore averages the density of the three most congested zones,
// whatever order the readings arrive in.
func TrafficScore(latest []models.TrafficSample, weight float64) Component {
	if len(latest) == 0 {
		return missing(models.RiskComponentTraffic, weight, "no zone readings")
	}
	zones := append([]models.TrafficSample(nil), latest...)
	sort.SliceStable(zones, func(i, j int) bool { return zones[i].DensityPercent > zones[j].DensityPercent })
	if len(zones) > topZones {
		zones = zones[:topZones]
	}
	var sum float64
	names := make([]string, len(zones))
	newest := zones[0].TS
	for i, z := range zones {
		sum += z.DensityPercent
		names[i] = fmt.Sprintf("%s %.0f%%", z.Zone, z.DensityPercent)
		if z.TS.After(newest) {
			newest = z.TS
		}
	}
	avg := sum / float64(len(zones))
	return Component{
		Name:        models.RiskComponentTraffic,
		Score:       clamp01(avg / 100),
		Weight:      weight,
		HasData:     true,
		Confidence:  confidenceTraffic,
		Explanation: fmt.Sprintf("average density %.1f%% across top zones (%s)", avg, strings.Join(names, ", ")),
		DataAt:      &newest,
	}
}

func ServicesScore(s models.ServiceSample, weight float64) Component {
	var (
		subs  []float64
		parts []string
	)
	if s.WaterSupplyStress != nil {
		v := clamp01(*s.WaterSupplyStress)
		subs = append(subs, v)
		parts = append(parts, fmt.Sprintf("water stress %.2f", v))
	}
	if s.WasteCollectionEff != nil {
		v := clamp01(1 - *s.WasteCollectionEff)
		subs = append(subs, v)
		parts = append(parts, fmt.Sprintf("waste collection shortfall %.2f", v))
	}
	if s.PowerOutageCount != nil {
		v := math.Min(1, float64(*s.PowerOutageCount)/10)
		subs = append(subs, v)
		parts = append(parts, fmt.Sprintf("%d power outages (%.2f)", *s.PowerOutageCount, v))
	}
	if len(subs) == 0 {
		return missing(models.RiskComponentServices, weight, "no service indicators")
	}
	var sum float64
	for _, v := range subs {
		sum += v
	}
	ts := s.TS
	return Component{
		Name:        models.RiskComponentServices,
		Score:       sum / float64(len(subs)),
		Weight:      weight,
		HasData:     true,
		Confidence:  confidenceServices,
		Explanation: strings.Join(parts, ", "),
		DataAt:      &ts,
	}
}

// AnomalyScore weighs unresolved anomalies by severity.
func AnomalyScore(anomalies []models.Anomaly, weight float64) Component {
	var high, medium, low int
	for _, a := range anomalies {
		switch a.Severity {
		case models.SeverityHigh:
			high++
		case models.SeverityMedium:
			medium++
		case models.SeverityLow:
			low++
		}
	}
	return Component{
		Name:        models.RiskComponentAnomalies,
		Score:       math.Min(1, 0.3*float64(high)+0.15*float64(medium)+0.05*float64(low)),
		Weight:      weight,
		HasData:     true,
		Explanation: fmt.Sprintf("%d high, %d medium, %d low unresolved anomalies in the last 7 days", high, medium, low),
	}
}

// Composite is the weighted sum of component scores rounded to three places.
func Composite(c Components) float64 {
	var sum float64
	for _, comp := range c.List() {
		sum += comp.Score * comp.Weight
	}
	return round3(clamp01(sum))
}

func Recommendations(c Components, level string) []string {
	var out []string
	if c.Environment.Score > 0.7 {
		out = append(out, "Issue a public health advisory: limit outdoor activity while air quality is poor.")
	}
	if c.Traffic.Score > 0.7 {
		out = append(out, "Deploy traffic management in the most congested zones and promote public transport.")
	}
	if c.Services.Score > 0.7 {
		out = append(out, "Prioritise maintenance crews for stressed water, waste and power services.")
	}
	if c.Anomalies.Score > 0.5 {
		out = append(out, "Investigate the unresolved anomalies recorded in the last 7 days.")
	}
	if level == LevelHigh {
		out = append(out, "Convene the city operations team; overall risk is high.")
	}
	if len(out) == 0 {
		out = append(out, "Maintain standard monitoring.")
	}
	return out
}

func explain(city string, score float64, level string, c Components) string {
	ranked := c.List()
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	parts := make([]string, len(ranked))
	for i, comp := range ranked {
		parts[i] = fmt.Sprintf("%s %.2f (weight %.0f%%: %s)", comp.Name, comp.Score, comp.Weight*100, comp.Explanation)
	}
	return fmt.Sprintf("Overall risk for %s is %.3f (%s). Components ranked by severity: %s.",
		city, score, level, strings.Join(parts, "; "))
}

func dataConfidence(c Components) float64 {
	var sum float64
	var n int
	for _, comp := range c.List() {
		if comp.HasData && comp.Confidence > 0 {
			sum += comp.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum/float64(n)*100) / 100
}

// ── scorer ──

type Store interface {
	storage.CityStore
	storage.RiskStore
	LatestEnvironment(ctx context.Context, city string) (models.EnvironmentSample, error)
	LatestTrafficByZone(ctx context.Context, city string) ([]models.TrafficSample, error)
	LatestService(ctx context.Context, city string) (models.ServiceSample, error)
	UnresolvedAnomalies(ctx context.Context, city string, since time.Time) ([]models.Anomaly, error)
}

type Scorer struct {
	store   Store
	weights config.RiskWeights
	logger  *zap.Logger
	now     func() time.Time
}

func NewScorer(store Store, weights config.RiskWeights, logger *zap.Logger, now func() time.Time) (*Scorer, error) {
	if math.Abs(weights.Sum()-1) > 1e-9 {
		return nil, fmt.Errorf("risk weights sum to %.6f, want 1.0", weights.Sum())
	}
	if now == nil {
		now = time.Now
	}
	return &Scorer{store: store, weights: weights, logger: logging.OrNop(logger), now: now}, nil
}

// found turns a "latest" lookup error into a presence flag.
func found(err error) (bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Score computes the current assessment of a city without persisting it.
func (s *Scorer) Score(ctx context.Context, city string) (Assessment, error) {
	city = models.CityKey(city)
	if _, err := s.store.GetCity(ctx, city); err != nil {
		return Assessment{}, err
	}
	now := s.now().UTC()
	fresh := now.Add(-Freshness)
	week := now.Add(-AnomalyWindow)
	w := s.weights

	env, err := s.store.LatestEnvironment(ctx, city)
	hasEnv, err := found(err)
	if err != nil {
		return Assessment{}, fmt.Errorf("load latest environment: %w", err)
	}
	svc, err := s.store.LatestService(ctx, city)
	hasSvc, err := found(err)
	if err != nil {
		return Assessment{}, fmt.Errorf("load latest service: %w", err)
	}
	zones, err := s.store.LatestTrafficByZone(ctx, city)
	if err != nil {
		return Assessment{}, fmt.Errorf("load latest traffic: %w", err)
	}

	var c Components
	if hasEnv && !env.TS.Before(fresh) {
		c.Environment = EnvironmentScore(env, w.Environment)
	} else {
		c.Environment = missing(models.RiskComponentEnvironment, w.Environment, "nothing in the last 2 hours")
	}

	var freshZones []models.TrafficSample
	recentActivity := (hasEnv && !env.TS.Before(week)) || (hasSvc && !svc.TS.Before(week))
	for _, z := range zones {
		if !z.TS.Before(fresh) {
			freshZones = append(freshZones, z)
		}
		if !z.TS.Before(week) {
			recentActivity = true
		}
	}
	c.Traffic = TrafficScore(freshZones, w.Traffic)

	if hasSvc && !svc.TS.Before(fresh) {
		c.Services = ServicesScore(svc, w.Services)
	} else {
		c.Services = missing(models.RiskComponentServices, w.Services, "nothing in the last 2 hours")
	}

	if recentActivity {
		anomalies, err := s.store.UnresolvedAnomalies(ctx, city, week)
		if err != nil {
			return Assessment{}, fmt.Errorf("load unresolved anomalies: %w", err)
		}
		c.Anomalies = AnomalyScore(anomalies, w.Anomalies)
	} else {
		c.Anomalies = missing(models.RiskComponentAnomalies, w.Anomalies, "no samples in the last 7 days")
	}

	score := Composite(c)
	level := Level(score)
	return Assessment{
		City:            city,
		OverallScore:    score,
		Level:           level,
		Components:      c,
		Explanation:     explain(city, score, level, c),
		Recommendations: Recommendations(c, level),
		Confidence:      dataConfidence(c),
		CalculatedAt:    now,
	}, nil
}

// Calculate scores a city and appends a snapshot to the history. A failed
// write is logged and the assessment is still returned.
func (s *Scorer) Calculate(ctx context.Context, city string) (Assessment, error) {
	a, err := s.Score(ctx, city)
	if err != nil {
		return a, err
	}
	metrics.RiskCalculations.WithLabelValues(a.Level).Inc()

	snap := a.Snapshot()
	snap.ID = uuid.NewString()
	if err := s.store.InsertRiskSnapshot(ctx, snap); err != nil {
		metrics.PersistenceFailures.WithLabelValues("risk_snapshot").Inc()
		s.logger.Error("risk snapshot persistence failed", zap.String("city", a.City), zap.Error(err))
		return a, nil
	}
	a.SnapshotID = snap.ID
	s.logger.Info("risk calculated",
		zap.String("city", a.City),
		zap.Float64("score", a.OverallScore),
		zap.String("level", a.Level))
	return a, nil
}
