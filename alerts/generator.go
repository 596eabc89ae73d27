// Package alerts turns risk snapshots, anomalies, forecast threshold
// breaches and data-source outages into deduplicated, audience-tagged
// alerts.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cityflow/anomaly"
	"cityflow/cache"
	"cityflow/logging"
	"cityflow/metrics"
	"cityflow/models"
	"cityflow/storage"
)

const (
	FamilyRisk     = "risk"
	FamilyAnomaly  = "anomaly"
	FamilyML       = "ml_anomaly"
	FamilyForecast = "forecast"
	FamilySystem   = "system"

	RiskWindow     = 6 * time.Hour
	AnomalyWindow  = 2 * time.Hour
	ForecastWindow = 24 * time.Hour

	riskCritical = 0.7
	riskWarning  = 0.5

	mlMinConfidence      = 0.6
	mlCriticalConfidence = 0.75
)

// Threshold is the warning/critical pair of a forecast metric.
type Threshold struct {
	Warning  float64
	Critical float64
	Unit     string
}

var ForecastThresholds = map[string]Threshold{
	models.MetricAQI:         {Warning: 100, Critical: 200, Unit: ""},
	models.MetricTemperature: {Warning: 38, Critical: 42, Unit: "°C"},
	models.MetricPM25:        {Warning: 35.4, Critical: 55.4, Unit: " µg/m³"},
}

type Breakdown struct {
	Risk      int `json:"risk"`
	Anomaly   int `json:"anomaly"`
	MLAnomaly int `json:"ml_anomaly"`
	Forecast  int `json:"forecast"`
	System    int `json:"system"`
}

func (b *Breakdown) add(family string, n int) {
	switch family {
	case FamilyRisk:
		b.Risk += n
	case FamilyAnomaly:
		b.Anomaly += n
	case FamilyML:
		b.MLAnomaly += n
	case FamilyForecast:
		b.Forecast += n
	case FamilySystem:
		b.System += n
	}
}

// Result of one generation pass. Errors holds the failure of each family
// that could not complete; the other families still ran.
type Result struct {
	City          string            `json:"city"`
	AlertsCreated int               `json:"alerts_created"`
	Breakdown     Breakdown         `json:"breakdown"`
	Errors        map[string]string `json:"errors,omitempty"`
	Created       []models.Alert    `json:"-"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

type Store interface {
	storage.CityStore
	storage.AlertStore
	RecentRiskSnapshots(ctx context.Context, city string, since time.Time) ([]models.RiskScoreSnapshot, error)
	UnresolvedAnomalies(ctx context.Context, city string, since time.Time) ([]models.Anomaly, error)
	ForecastsBetween(ctx context.Context, city string, from, to time.Time) ([]models.ForecastRecord, error)
	ListSources(ctx context.Context) ([]models.DataSourceHealth, error)
}

// LiveDetector runs anomaly detection without recording it.
type LiveDetector interface {
	Detect(ctx context.Context, city string) (anomaly.Report, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

type Generator struct {
	store     Store
	detector  LiveDetector
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewGenerator builds a generator. detector and publisher may be nil; the
// ml_anomaly family is then skipped and nothing is published.
func NewGenerator(store Store, detector LiveDetector, publisher Publisher, logger *zap.Logger, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		store:     store,
		detector:  detector,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		now:       now,
	}
}

type family struct {
	name  string
	build func(ctx context.Context, city string, now time.Time) ([]models.Alert, error)
}

// Generate runs every alert family for a city concurrently. Running it twice
// over unchanged facts creates nothing the second time.
func (g *Generator) Generate(ctx context.Context, city string) (Result, error) {
	city = models.CityKey(city)
	if _, err := g.store.GetCity(ctx, city); err != nil {
		return Result{}, err
	}
	now := g.now().UTC()
	res := Result{City: city, GeneratedAt: now}

	families := []family{
		{FamilyRisk, g.riskAlerts},
		{FamilyAnomaly, g.anomalyAlerts},
		{FamilyML, g.mlAlerts},
		{FamilyForecast, g.forecastAlerts},
		{FamilySystem, g.systemAlerts},
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	for _, f := range families {
		eg.Go(func() error {
			candidates, err := f.build(ctx, city, now)
			created, insertErr := g.insert(ctx, f.name, candidates, now)
			if err == nil {
				err = insertErr
			}

			mu.Lock()
			defer mu.Unlock()
			res.Breakdown.add(f.name, len(created))
			res.AlertsCreated += len(created)
			res.Created = append(res.Created, created...)
			if err != nil {
				if res.Errors == nil {
					res.Errors = make(map[string]string)
				}
				res.Errors[f.name] = err.Error()
				metrics.AlertFamilyFailures.WithLabelValues(f.name).Inc()
				g.logger.Error("alert family failed",
					zap.String("city", city),
					zap.String("family", f.name),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(res.Created, func(i, j int) bool { return res.Created[i].Signature < res.Created[j].Signature })
	g.publish(ctx, res.Created)

	g.logger.Info("alert generation completed",
		zap.String("city", city),
		zap.Int("created", res.AlertsCreated),
		zap.Int("failed_families", len(res.Errors)))
	return res, nil
}

// insert creates each candidate unless an active alert with the same
// signature exists. It keeps going past failed inserts and reports the first.
func (g *Generator) insert(ctx context.Context, family string, candidates []models.Alert, now time.Time) ([]models.Alert, error) {
	var (
		created  []models.Alert
		firstErr error
	)
	for _, a := range candidates {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		a.Metadata[models.MetaSignature] = a.Signature
		a.Metadata["family"] = family
		a.ID = uuid.NewString()
		a.CreatedAt = now
		a.IsActive = true

		ok, err := g.store.InsertAlertIfAbsent(ctx, a)
		if err != nil {
			metrics.PersistenceFailures.WithLabelValues("alert").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("insert alert %q: %w", a.Signature, err)
			}
			continue
		}
		if ok {
			metrics.AlertsCreated.WithLabelValues(family, a.Severity).Inc()
			created = append(created, a)
		}
	}
	return created, firstErr
}

func (g *Generator) publish(ctx context.Context, created []models.Alert) {
	if g.publisher == nil {
		return
	}
	for _, a := range created {
		if err := g.publisher.Publish(ctx, cache.ChannelAlerts, a); err != nil {
			g.logger.Warn("alert publish failed", zap.String("signature", a.Signature), zap.Error(err))
		}
	}
}

// ── families ──

func (g *Generator) riskAlerts(ctx context.Context, city string, now time.Time) ([]models.Alert, error) {
	snaps, err := g.store.RecentRiskSnapshots(ctx, city, now.Add(-RiskWindow))
	if err != nil {
		return nil, fmt.Errorf("load risk snapshots: %w", err)
	}
	// newest first: the first snapshot seen per category is the current one
	seen := make(map[string]bool)
	var out []models.Alert
	for _, s := range snaps {
		if seen[s.Category] {
			continue
		}
		seen[s.Category] = true
		if a, ok := RiskAlert(s); ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// RiskAlert maps a snapshot to an alert; scores below 0.5 yield none.
func RiskAlert(s models.RiskScoreSnapshot) (models.Alert, bool) {
	var severity, audience string
	switch {
	case s.Score >= riskCritical:
		severity, audience = models.AlertSeverityCritical, models.AudienceBoth
	case s.Score >= riskWarning:
		severity, audience = models.AlertSeverityWarning, models.AudienceInternal
	default:
		return models.Alert{}, false
	}

	factors := append([]models.ContributingFactor(nil), s.Factors...)
	sort.SliceStable(factors, func(i, j int) bool { return factors[i].Score > factors[j].Score })
	var top []string
	for i, f := range factors {
		if i == 2 {
			break
		}
		top = append(top, fmt.Sprintf("%s %.2f", f.Component, f.Score))
	}
	msg := fmt.Sprintf("%s risk score is %.2f (%s) as of %s UTC.",
		titleCase(s.Category), s.Score, s.Level, s.CalculatedAt.UTC().Format("2006-01-02 15:04"))
	if len(top) > 0 {
		msg += " Main contributors: " + strings.Join(top, ", ") + "."
	}

	return models.Alert{
		City:      s.City,
		Type:      models.AlertTypeRisk,
		Severity:  severity,
		Audience:  audience,
		Title:     fmt.Sprintf("%s %s risk in %s", titleCase(s.Level), s.Category, titleCase(s.City)),
		Message:   msg,
		Signature: "risk:" + s.Category,
		Metadata: map[string]any{
			"score":       s.Score,
			"level":       s.Level,
			"snapshot_id": s.ID,
		},
	}, true
}

func (g *Generator) anomalyAlerts(ctx context.Context, city string, now time.Time) ([]models.Alert, error) {
	open, err := g.store.UnresolvedAnomalies(ctx, city, now.Add(-AnomalyWindow))
	if err != nil {
		return nil, fmt.Errorf("load unresolved anomalies: %w", err)
	}
	out := make([]models.Alert, 0, len(open))
	for _, a := range open {
		severity, audience := anomalySeverity(a.Severity)
		out = append(out, models.Alert{
			City:     a.City,
			Type:     models.AlertTypeAnomaly,
			Severity: severity,
			Audience: audience,
			Title:    fmt.Sprintf("Unusual %s reading in %s", metricLabel(a.MetricType), titleCase(a.City)),
			Message: fmt.Sprintf("%s was %.1f against an expected %.1f (z = %.2f). %s",
				metricLabel(a.MetricType), a.Value, a.ExpectedValue, a.Deviation, a.Explanation),
			Signature: a.ID,
			Metadata: map[string]any{
				"anomaly_id":  a.ID,
				"metric":      a.MetricType,
				"detected_at": a.DetectedAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return out, nil
}

// anomalySeverity maps anomaly severity to alert severity and audience.
func anomalySeverity(s string) (severity, audience string) {
	switch s {
	case models.SeverityHigh:
		return models.AlertSeverityCritical, models.AudienceBoth
	case models.SeverityMedium:
		return models.AlertSeverityWarning, models.AudienceInternal
	default:
		return models.AlertSeverityInfo, models.AudienceInternal
	}
}

func (g *Generator) mlAlerts(ctx context.Context, city string, _ time.Time) ([]models.Alert, error) {
	if g.detector == nil {
		return nil, nil
	}
	report, err := g.detector.Detect(ctx, city)
	if err != nil {
		return nil, fmt.Errorf("live anomaly detection: %w", err)
	}
	return MLAlerts(report), nil
}

// MLAlerts converts a live detection report. Reports below 0.6 confidence
// produce nothing; below 0.75 critical alerts drop to internal warnings.
func MLAlerts(r anomaly.Report) []models.Alert {
	if r.Confidence < mlMinConfidence {
		return nil
	}
	var out []models.Alert
	for _, f := range r.All() {
		severity, audience := anomalySeverity(f.Severity)
		if severity == models.AlertSeverityCritical && r.Confidence < mlCriticalConfidence {
			severity, audience = models.AlertSeverityWarning, models.AudienceInternal
		}
		where := titleCase(r.City)
		if f.Zone != "" {
			where = fmt.Sprintf("zone %s of %s", f.Zone, where)
		}
		out = append(out, models.Alert{
			City:      r.City,
			Type:      models.AlertTypeAnomaly,
			Severity:  severity,
			Audience:  audience,
			Title:     fmt.Sprintf("Detected %s anomaly in %s", metricLabel(f.Metric), where),
			Message:   fmt.Sprintf("%s (detection confidence %.0f%%, method %s)", f.Explanation, r.Confidence*100, f.Method),
			Signature: fmt.Sprintf("ml:%s:%s", f.MetricType(), f.DetectedAt.UTC().Format(time.RFC3339)),
			Metadata: map[string]any{
				"metric":            f.MetricType(),
				"method":            f.Method,
				"confidence":        r.Confidence,
				"deviation_percent": f.DeviationPercent,
			},
		})
	}
	return out
}

func (g *Generator) forecastAlerts(ctx context.Context, city string, now time.Time) ([]models.Alert, error) {
	records, err := g.store.ForecastsBetween(ctx, city, now, now.Add(ForecastWindow))
	if err != nil {
		return nil, fmt.Errorf("load forecasts: %w", err)
	}
	return ForecastAlerts(records), nil
}

// ForecastAlerts checks the newest record of each (metric, day) against its
// threshold pair.
func ForecastAlerts(records []models.ForecastRecord) []models.Alert {
	type key struct {
		metric string
		day    time.Time
	}
	latest := make(map[key]models.ForecastRecord)
	var order []key
	for _, r := range records {
		k := key{r.MetricType, r.TargetDate.UTC().Truncate(24 * time.Hour)}
		cur, ok := latest[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || r.CreatedAt.After(cur.CreatedAt) {
			latest[k] = r
		}
	}

	var out []models.Alert
	for _, k := range order {
		r := latest[k]
		th, ok := ForecastThresholds[r.MetricType]
		if !ok || r.PredictedValue < th.Warning {
			continue
		}
		severity, audience := models.AlertSeverityWarning, models.AudiencePublic
		if r.PredictedValue >= th.Critical {
			severity, audience = models.AlertSeverityCritical, models.AudienceBoth
		}
		label := metricLabel(r.MetricType)
		out = append(out, models.Alert{
			City:     r.City,
			Type:     models.AlertTypeForecast,
			Severity: severity,
			Audience: audience,
			Title:    fmt.Sprintf("%s forecast to reach %.1f%s in %s", label, r.PredictedValue, th.Unit, titleCase(r.City)),
			Message: fmt.Sprintf("%s is predicted at %.1f%s on %s (confidence %.0f%%). Warning threshold %.1f%s, critical threshold %.1f%s.",
				label, r.PredictedValue, th.Unit, r.TargetDate.UTC().Format("2006-01-02"), r.Confidence*100,
				th.Warning, th.Unit, th.Critical, th.Unit),
			Signature: ForecastSignature(r.MetricType, k.day),
			Metadata: map[string]any{
				"forecast_id":        r.ID,
				"metric":             r.MetricType,
				"predicted_value":    r.PredictedValue,
				"warning_threshold":  th.Warning,
				"critical_threshold": th.Critical,
			},
		})
	}
	return out
}

// ForecastSignature keys a forecast breach by metric and target day, so a
// rerun of the forecast job does not open a second alert for the same day.
func ForecastSignature(metric string, day time.Time) string {
	return "forecast:" + metric + ":" + day.UTC().Format("2006-01-02")
}

func (g *Generator) systemAlerts(ctx context.Context, _ string, now time.Time) ([]models.Alert, error) {
	srcs, err := g.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load data sources: %w", err)
	}
	var out []models.Alert
	for _, s := range srcs {
		if s.IsOnline {
			continue
		}
		out = append(out, SourceAlert(s, now))
	}
	return out, nil
}

// SourceAlert is the system-wide alert of an offline data source.
func SourceAlert(s models.DataSourceHealth, now time.Time) models.Alert {
	msg := fmt.Sprintf("Data source %s (%s) has never reported.", s.Name, s.Type)
	meta := map[string]any{"source": s.Name, "failure_count": s.FailureCount}
	if s.LastSeenAt != nil {
		hours := now.Sub(*s.LastSeenAt).Hours()
		msg = fmt.Sprintf("Data source %s (%s) has been offline for %.1f hours, last seen %s UTC.",
			s.Name, s.Type, hours, s.LastSeenAt.UTC().Format("2006-01-02 15:04"))
		meta["hours_offline"] = hours
	}
	if s.FailureCount > 0 {
		msg += fmt.Sprintf(" %d consecutive failures.", s.FailureCount)
	}
	sig := s.ID
	if sig == "" {
		sig = s.Name
	}
	return models.Alert{
		Type:      models.AlertTypeSystem,
		Severity:  models.AlertSeverityWarning,
		Audience:  models.AudienceInternal,
		Title:     fmt.Sprintf("Data source offline: %s", s.Name),
		Message:   msg,
		Signature: sig,
		Metadata:  meta,
	}
}

// ── helpers ──

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func metricLabel(metric string) string {
	base, zone, _ := strings.Cut(metric, ":")
	var label string
	switch base {
	case models.MetricAQI:
		label = "AQI"
	case models.MetricPM25:
		label = "PM2.5"
	default:
		label = titleCase(strings.ReplaceAll(base, "_", " "))
	}
	if zone != "" {
		label += " (zone " + zone + ")"
	}
	return label
}
