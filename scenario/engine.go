// Package scenario estimates the impact of a hypothetical traffic policy on
// one zone of a city using fixed correlation coefficients.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

var ErrInvalidInput = errors.New("invalid scenario input")

const (
	ModelType = "correlation-based impact estimation"

	trafficAQICoefficient = 0.65
	heavyVehicleAmplifier = 1.4
	pm25RestrictionPct    = -15.0
	noiseRestrictionDB    = -8.0
	infraRestrictionPct   = -20.0
	travelTimeCoefficient = 0.8
	congestionDelayFactor = 1.2
	maxTravelTimeSavedPct = 90.0 // a commute never shrinks below a tenth
	spilloverCoefficient  = 0.15
	spilloverThreshold    = 20.0
	fuelCostCoefficient   = 0.4

	pm25PerAQI = 0.58

	DefaultAQI     = 100.0
	minConfidence  = 0.6
	minChange      = -100.0
	maxChange      = 200.0
	historyDefault = 20
)

// impact confidences
const (
	confAQI        = 0.78
	confPM25       = 0.72
	confNoise      = 0.68
	confInfra      = 0.75
	confTravelTime = 0.82
	confSpillover  = 0.65
	confBaseline   = 0.85
	confFuel       = 0.70
)

const (
	ImpactAQI        = "aqi"
	ImpactPM25       = "pm25"
	ImpactNoise      = "noise"
	ImpactInfra      = "road_infrastructure_stress"
	ImpactTravelTime = "travel_time"
	ImpactSpillover  = "adjacent_zone_traffic"
	ImpactBaseline   = "zone_baseline"
	ImpactFuelCost   = "commuter_fuel_cost"
)

// Zone is the fixed profile of a city zone.
type Zone struct {
	Name           string   `json:"name"`
	Congestion     string   `json:"congestion_tier"`
	AQIFactor      float64  `json:"aqi_factor"`
	TrafficDensity float64  `json:"nominal_traffic_density"`
	NoiseDB        float64  `json:"noise_db"`
	CommuteMinutes float64  `json:"commute_minutes"`
	Adjacent       []string `json:"adjacent"`
}

var Zones = map[string]Zone{
	"A": {Name: "A", Congestion: models.CongestionHigh, AQIFactor: 1.2, TrafficDensity: 75, NoiseDB: 72, CommuteMinutes: 45, Adjacent: []string{"B"}},
	"B": {Name: "B", Congestion: models.CongestionMedium, AQIFactor: 1.0, TrafficDensity: 55, NoiseDB: 65, CommuteMinutes: 35, Adjacent: []string{"A", "C"}},
	"C": {Name: "C", Congestion: models.CongestionLow, AQIFactor: 0.8, TrafficDensity: 35, NoiseDB: 55, CommuteMinutes: 25, Adjacent: []string{"B"}},
}

// Baseline is the state a scenario is applied to.
type Baseline struct {
	AQI            float64 `json:"aqi"`
	PM25           float64 `json:"pm25"`
	TrafficDensity float64 `json:"traffic_density"`
	Source         string  `json:"source"`
}

type Result struct {
	ScenarioID        string          `json:"scenario_id,omitempty"`
	City              string          `json:"city"`
	Zone              string          `json:"zone"`
	Window            Window          `json:"time_window"`
	Baseline          Baseline        `json:"baseline"`
	Impacts           []models.Impact `json:"impacts"`
	OverallConfidence float64         `json:"overall_confidence"`
	Recommendation    string          `json:"recommendation"`
	Explanation       string          `json:"explanation"`
	SimulatedAt       time.Time       `json:"simulated_at"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func direction(change float64) string {
	switch {
	case change < 0:
		return models.DirectionDecrease
	case change > 0:
		return models.DirectionIncrease
	default:
		return models.DirectionBaseline
	}
}

func percentImpact(metric, unit string, baseline, changePct, conf float64, explanation string) models.Impact {
	return models.Impact{
		Metric:        metric,
		Unit:          unit,
		BaselineValue: round2(baseline),
		Predicted:     round2(baseline * (1 + changePct/100)),
		ChangePercent: round2(changePct),
		Direction:     direction(changePct),
		Confidence:    conf,
		Explanation:   explanation,
	}
}

// Validate checks the zone, window and traffic change of an input.
func Validate(in models.ScenarioInput) (Zone, Window, error) {
	zone, ok := Zones[strings.ToUpper(strings.TrimSpace(in.Zone))]
	if !ok {
		return Zone{}, Window{}, fmt.Errorf("%w: unknown zone %q (want A, B or C)", ErrInvalidInput, in.Zone)
	}
	w, err := ParseWindow(in.TimeWindow)
	if err != nil {
		return Zone{}, Window{}, err
	}
	if in.TrafficDensityChange < minChange || in.TrafficDensityChange > maxChange {
		return Zone{}, Window{}, fmt.Errorf("%w: traffic density change %.1f outside [%.0f, %.0f]",
			ErrInvalidInput, in.TrafficDensityChange, minChange, maxChange)
	}
	if in.BaselineAQI != nil && (*in.BaselineAQI < 0 || *in.BaselineAQI > 500) {
		return Zone{}, Window{}, fmt.Errorf("%w: baseline AQI %.1f outside [0, 500]", ErrInvalidInput, *in.BaselineAQI)
	}
	return zone, w, nil
}

// Impacts computes every impact of a policy. It is deterministic in its
// arguments.
func Impacts(in models.ScenarioInput, zone Zone, w Window, b Baseline) []models.Impact {
	change := in.TrafficDensityChange
	mult := w.Multiplier
	restricted := in.HeavyVehicleRestriction
	var out []models.Impact

	aqiPct := change * trafficAQICoefficient * mult
	aqiWhy := fmt.Sprintf("Traffic-AQI correlation %.2f scaled by the %s multiplier %.1f", trafficAQICoefficient, w.Class, mult)
	if restricted {
		aqiPct *= heavyVehicleAmplifier
		aqiWhy += fmt.Sprintf(", amplified %.1fx by the heavy-vehicle restriction", heavyVehicleAmplifier)
	}
	out = append(out, percentImpact(ImpactAQI, "AQI", b.AQI, aqiPct, confAQI, aqiWhy+"."))

	if restricted {
		out = append(out, percentImpact(ImpactPM25, "µg/m³", b.PM25, pm25RestrictionPct*mult, confPM25,
			"Heavy vehicles are a major source of fine particulates; restricting them cuts PM2.5 regardless of overall volume."))

		noise := noiseRestrictionDB * mult
		out = append(out, models.Impact{
			Metric:        ImpactNoise,
			Unit:          "dB",
			BaselineValue: zone.NoiseDB,
			Predicted:     round2(zone.NoiseDB + noise),
			ChangePercent: round2(noise / zone.NoiseDB * 100),
			Direction:     models.DirectionDecrease,
			Confidence:    confNoise,
			Explanation:   fmt.Sprintf("Removing heavy vehicles lowers street noise by about %.1f dB.", -noise),
		})

		out = append(out, percentImpact(ImpactInfra, "index", 100, infraRestrictionPct, confInfra,
			"Fewer axle loads reduce wear on roads and bridges."))
	}

	if change < 0 {
		improvement := math.Abs(change) * travelTimeCoefficient * mult
		saved := math.Min(improvement*congestionDelayFactor, maxTravelTimeSavedPct)
		out = append(out, percentImpact(ImpactTravelTime, "min", zone.CommuteMinutes, -saved, confTravelTime,
			fmt.Sprintf("Flow improves %.1f%%; with congestion delay factor %.1f the typical %.0f-minute commute shortens.",
				improvement, congestionDelayFactor, zone.CommuteMinutes)))
	}

	if math.Abs(change) > spilloverThreshold {
		spill := change * spilloverCoefficient * (1 + (mult-1)*0.5)
		out = append(out, percentImpact(ImpactSpillover, "%", adjacentDensity(zone), spill, confSpillover,
			fmt.Sprintf("A change above %.0f%% carries over to adjacent zone(s) %s.",
				spilloverThreshold, strings.Join(zone.Adjacent, ", "))))
	}

	out = append(out, models.Impact{
		Metric:        ImpactBaseline,
		Unit:          "%",
		BaselineValue: round2(b.TrafficDensity),
		Predicted:     round2(b.TrafficDensity),
		Direction:     models.DirectionBaseline,
		Confidence:    confBaseline,
		Explanation: fmt.Sprintf("Zone %s has %s congestion (density %.0f%%, AQI factor %.1f); the %s window %s applies multiplier %.1f.",
			zone.Name, zone.Congestion, b.TrafficDensity, zone.AQIFactor, w.Class, w.Raw, mult),
	})

	fuel := math.Abs(change) * fuelCostCoefficient * mult
	if change < 0 {
		fuel = -fuel
	}
	fuelWhy := "No change in commuter fuel spend."
	switch {
	case change < 0:
		fuelWhy = "Less stop-and-go driving saves commuters fuel."
	case change > 0:
		fuelWhy = "Denser traffic raises commuter fuel spend."
	}
	out = append(out, percentImpact(ImpactFuelCost, "index", 100, fuel, confFuel, fuelWhy))
	return out
}

func adjacentDensity(z Zone) float64 {
	if len(z.Adjacent) == 0 {
		return z.TrafficDensity
	}
	var sum float64
	for _, name := range z.Adjacent {
		sum += Zones[name].TrafficDensity
	}
	return sum / float64(len(z.Adjacent))
}

// Confidence is the mean confidence of the emitted impacts.
func Confidence(impacts []models.Impact) float64 {
	if len(impacts) == 0 {
		return 0
	}
	var sum float64
	for _, im := range impacts {
		sum += im.Confidence
	}
	return math.Round(sum/float64(len(impacts))*1000) / 1000
}

func Recommend(in models.ScenarioInput, zone Zone, conf float64) string {
	change := in.TrafficDensityChange
	switch {
	case conf < minConfidence:
		return "Insufficient confidence to recommend this policy; collect more baseline data first."
	case change <= -spilloverThreshold && in.HeavyVehicleRestriction:
		return fmt.Sprintf("Strongly recommended: the combined traffic reduction and heavy-vehicle restriction gives the largest air-quality gain in zone %s. Plan diversion routes for adjacent zones.", zone.Name)
	case change < 0 && in.HeavyVehicleRestriction:
		return fmt.Sprintf("Recommended: reduce traffic and restrict heavy vehicles in zone %s.", zone.Name)
	case change <= -spilloverThreshold:
		return fmt.Sprintf("Recommended with monitoring: a large reduction in zone %s will push traffic to neighbouring zones.", zone.Name)
	case change < 0:
		return fmt.Sprintf("Recommended: a modest traffic reduction in zone %s improves air quality and commute times.", zone.Name)
	case change > 0:
		return fmt.Sprintf("Not recommended: higher traffic density in zone %s worsens air quality and commuter costs.", zone.Name)
	case in.HeavyVehicleRestriction:
		return fmt.Sprintf("Consider: a heavy-vehicle restriction alone lowers PM2.5 and noise in zone %s.", zone.Name)
	default:
		return "No policy change: conditions stay at baseline."
	}
}

func explainScenario(in models.ScenarioInput, zone Zone, w Window, impacts []models.Impact) string {
	policy := fmt.Sprintf("%+.0f%% traffic density", in.TrafficDensityChange)
	if in.HeavyVehicleRestriction {
		policy += " with heavy-vehicle restriction"
	}
	var parts []string
	for _, im := range impacts {
		if im.Direction == models.DirectionBaseline {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %.1f%%", strings.ReplaceAll(im.Metric, "_", " "), im.Direction, math.Abs(im.ChangePercent)))
	}
	s := fmt.Sprintf("Zone %s (%s congestion), %s window %s (multiplier %.1f): %s.",
		zone.Name, zone.Congestion, w.Class, w.Raw, w.Multiplier, policy)
	if len(parts) > 0 {
		s += " Expected: " + strings.Join(parts, "; ") + "."
	}
	return s
}

// ── engine ──

type Store interface {
	storage.CityStore
	storage.ScenarioStore
	LatestEnvironment(ctx context.Context, city string) (models.EnvironmentSample, error)
	LatestTrafficByZone(ctx context.Context, city string) ([]models.TrafficSample, error)
}

type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(store Store, logger *zap.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, logger: logging.OrNop(logger), now: now}
}

// Baseline resolves the state a scenario starts from: explicit input
// first, then the latest stored readings adjusted for the zone, then
// defaults.
func (e *Engine) Baseline(ctx context.Context, city string, in models.ScenarioInput, zone Zone) (Baseline, error) {
	b := Baseline{AQI: DefaultAQI, TrafficDensity: zone.TrafficDensity, Source: "default"}
	var latestPM25 *float64

	env, err := e.store.LatestEnvironment(ctx, city)
	switch {
	case err == nil:
		if env.AQI != nil {
			b.AQI = math.Min(500, *env.AQI*zone.AQIFactor)
			b.Source = "latest"
		}
		latestPM25 = env.PM25
	case !errors.Is(err, storage.ErrNotFound):
		return Baseline{}, fmt.Errorf("load latest environment: %w", err)
	}
	if in.BaselineAQI != nil {
		b.AQI = *in.BaselineAQI
		b.Source = "input"
	}
	if latestPM25 != nil {
		b.PM25 = *latestPM25 * zone.AQIFactor
	} else {
		b.PM25 = b.AQI * pm25PerAQI
	}

	if in.BaselineTrafficDensity != nil {
		b.TrafficDensity = *in.BaselineTrafficDensity
		return b, nil
	}
	zones, err := e.store.LatestTrafficByZone(ctx, city)
	if err != nil {
		return Baseline{}, fmt.Errorf("load latest traffic: %w", err)
	}
	for _, z := range zones {
		if strings.EqualFold(z.Zone, zone.Name) {
			b.TrafficDensity = z.DensityPercent
		}
	}
	return b, nil
}

// Simulate runs a scenario and records it. A failed write is logged and
// the result is still returned without an ID.
func (e *Engine) Simulate(ctx context.Context, in models.ScenarioInput) (Result, error) {
	zone, w, err := Validate(in)
	if err != nil {
		return Result{}, err
	}
	city := models.CityKey(in.City)
	if _, err := e.store.GetCity(ctx, city); err != nil {
		return Result{}, err
	}
	in.City, in.Zone = city, zone.Name

	b, err := e.Baseline(ctx, city, in, zone)
	if err != nil {
		return Result{}, err
	}
	impacts := Impacts(in, zone, w, b)
	conf := Confidence(impacts)
	res := Result{
		City:              city,
		Zone:              zone.Name,
		Window:            w,
		Baseline:          b,
		Impacts:           impacts,
		OverallConfidence: conf,
		Recommendation:    Recommend(in, zone, conf),
		Explanation:       explainScenario(in, zone, w, impacts),
		SimulatedAt:       e.now().UTC(),
	}
	metrics.ScenariosSimulated.WithLabelValues(zone.Name).Inc()

	rec := models.Scenario{
		ID:             uuid.NewString(),
		City:           city,
		Zone:           zone.Name,
		Inputs:         in,
		Impacts:        impacts,
		Confidence:     conf,
		Explanation:    res.Explanation,
		Recommendation: res.Recommendation,
		CreatedAt:      res.SimulatedAt,
	}
	if err := e.store.InsertScenario(ctx, rec); err != nil {
		metrics.PersistenceFailures.WithLabelValues("scenario").Inc()
		e.logger.Error("scenario persistence failed", zap.String("city", city), zap.Error(err))
		return res, nil
	}
	res.ScenarioID = rec.ID
	e.logger.Info("scenario simulated",
		zap.String("city", city),
		zap.String("zone", zone.Name),
		zap.String("window", w.Class),
		zap.Int("impacts", len(impacts)),
		zap.Float64("confidence", conf))
	return res, nil
}

// History lists the latest scenarios of a city, newest first.
func (e *Engine) History(ctx context.Context, city string, limit int) ([]models.Scenario, error) {
	city = models.CityKey(city)
	if _, err := e.store.GetCity(ctx, city); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyDefault
	}
	return e.store.ListScenarios(ctx, city, limit)
}

type ModelDescription struct {
	ModelType    string             `json:"model_type"`
	DataSource   string             `json:"data_source"`
	Coefficients map[string]float64 `json:"coefficients"`
	Multipliers  map[string]float64 `json:"multipliers"`
	Zones        map[string]Zone    `json:"zones"`
	Limitations  []string           `json:"limitations"`
}

func Describe() ModelDescription {
	return ModelDescription{
		ModelType:  ModelType,
		DataSource: "historical city correlations",
		Coefficients: map[string]float64{
			"traffic_to_aqi":          trafficAQICoefficient,
			"heavy_vehicle_amplifier": heavyVehicleAmplifier,
			"congestion_delay":        congestionDelayFactor,
			"travel_time":             travelTimeCoefficient,
			"spillover":               spilloverCoefficient,
			"fuel_cost":               fuelCostCoefficient,
		},
		Multipliers: map[string]float64{
			WindowPeak:     multiplierPeak,
			WindowNight:    multiplierNight,
			WindowStandard: multiplierStandard,
		},
		Zones: Zones,
		Limitations: []string{
			"Does not model weather impacts",
			"Assumes typical traffic patterns",
			"Zone boundaries are simplified",
		},
	}
}
