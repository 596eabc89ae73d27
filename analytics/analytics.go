// Package analytics is the entry point of the decision-support core. It wires
// every component over one store, fans risk and alert results out through
// the cache and records an audit entry for each result it hands back.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cityflow/alerts"
	"cityflow/anomaly"
	"cityflow/audit"
	"cityflow/cache"
	"cityflow/config"
	"cityflow/explain"
	"cityflow/forecast"
	"cityflow/logging"
	"cityflow/models"
	"cityflow/risk"
	"cityflow/scenario"
	"cityflow/scheduler"
	"cityflow/sources"
	"cityflow/storage"
)

const (
	RiskCacheTTL = 6 * time.Hour

	// cities processed at once by a scheduled job
	cityConcurrency = 4
)

// Explanation kinds accepted by Explain.
const (
	ExplainForecast  = "forecast"
	ExplainRisk      = "risk"
	ExplainAnomalies = "anomalies"
)

var (
	ErrUnknownKind     = errors.New("unknown explanation kind")
	ErrAlertNotFound   = fmt.Errorf("alert %w", storage.ErrNotFound)
	ErrAnomalyNotFound = fmt.Errorf("anomaly %w", storage.ErrNotFound)
	ErrInvalidRequest  = errors.New("invalid request")
)

// Cache is the fan-out and short-lived cache the service writes to.
// A disabled *cache.Service satisfies it.
type Cache interface {
	Publish(ctx context.Context, channel string, message any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Store  storage.Store
	Cache  Cache
	Audit  audit.Recorder
	Config config.AnalyticsConfig
	Logger *zap.Logger
	Now    func() time.Time
}

type Service struct {
	store     storage.Store
	cache     Cache
	audit     audit.Recorder
	cities    []string
	logger    *zap.Logger
	detector  *anomaly.Detector
	scorer    *risk.Scorer
	alerts    *alerts.Generator
	scenarios *scenario.Engine
	forecasts *forecast.Service
	sources   *sources.Tracker
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("analytics needs a store")
	}
	logger := logging.OrNop(opts.Logger)
	c := opts.Cache
	if c == nil {
		c = (*cache.Service)(nil)
	}
	rec := opts.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	weights := opts.Config.Weights
	if weights == (config.RiskWeights{}) {
		weights = config.DefaultWeights()
	}
	scorer, err := risk.NewScorer(opts.Store, weights, logger.Named("risk"), opts.Now)
	if err != nil {
		return nil, err
	}
	detector := anomaly.NewDetector(opts.Store, logger.Named("anomaly"), opts.Now)
	return &Service{
		store:     opts.Store,
		cache:     c,
		audit:     rec,
		cities:    opts.Config.Cities,
		logger:    logger,
		detector:  detector,
		scorer:    scorer,
		alerts:    alerts.NewGenerator(opts.Store, detector, c, logger.Named("alerts"), opts.Now),
		scenarios: scenario.NewEngine(opts.Store, logger.Named("scenario"), opts.Now),
		forecasts: forecast.NewService(opts.Store, logger.Named("forecast"), opts.Now),
		sources:   sources.NewTracker(opts.Store, opts.Config.ExternalTimeout, logger.Named("sources"), opts.Now),
	}, nil
}

func (s *Service) Alerts() *alerts.Generator   { return s.alerts }
func (s *Service) Scenarios() *scenario.Engine { return s.scenarios }
func (s *Service) Sources() *sources.Tracker   { return s.sources }

// DetectAllAnomalies detects and records anomalies of a city. A non-empty
// severity narrows the returned report; everything found is still recorded.
func (s *Service) DetectAllAnomalies(ctx context.Context, city, severity string) (anomaly.Report, error) {
	switch severity {
	case "", models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
	default:
		return anomaly.Report{}, fmt.Errorf("%w: severity %q", ErrInvalidRequest, severity)
	}
	r, created, err := s.detector.DetectAndRecord(ctx, city)
	if err != nil {
		return r, err
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionAnomaly, City: r.City, Details: map[string]any{
		"total_count":      r.TotalCount,
		"new_records":      created,
		"samples_analyzed": r.SamplesAnalyzed,
		"confidence":       r.Confidence,
	}})
	return r.WithSeverity(severity), nil
}

// CalculateCityRisk scores a city, stores the snapshot and fans the result
// out. Cache failures are logged only.
func (s *Service) CalculateCityRisk(ctx context.Context, city string) (risk.Assessment, error) {
	a, err := s.scorer.Calculate(ctx, city)
	if err != nil {
		return a, err
	}
	if err := s.cache.Set(ctx, cache.RiskKey(a.City), a, RiskCacheTTL); err != nil {
		s.logger.Warn("risk cache write failed", zap.String("city", a.City), zap.Error(err))
	}
	if err := s.cache.Publish(ctx, cache.ChannelRisk, a); err != nil {
		s.logger.Warn("risk publish failed", zap.String("city", a.City), zap.Error(err))
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionRisk, City: a.City, Details: map[string]any{
		"overall_score": a.OverallScore,
		"risk_level":    a.Level,
		"confidence":    a.Confidence,
		"snapshot_id":   a.SnapshotID,
	}})
	return a, nil
}

// CachedRisk returns the last assessment fanned out for a city, if any.
func (s *Service) CachedRisk(ctx context.Context, city string) (risk.Assessment, bool, error) {
	var a risk.Assessment
	ok, err := s.cache.Get(ctx, cache.RiskKey(models.CityKey(city)), &a)
	return a, ok, err
}

// AnomalyHistory lists recorded anomalies of a city, newest first.
func (s *Service) AnomalyHistory(ctx context.Context, city string, limit int) ([]models.Anomaly, error) {
	city, err := s.knownCity(ctx, city)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ListAnomalies(ctx, city, storage.Clamp(limit, storage.DefaultAnomalyLimit, storage.MaxAnomalyLimit))
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	if out == nil {
		out = []models.Anomaly{}
	}
	return out, nil
}

// ResolveAnomaly marks an anomaly resolved. The city's cached risk counted
// it, so the cached assessment is dropped.
func (s *Service) ResolveAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	a, err := s.store.ResolveAnomaly(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return a, fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
	}
	if err != nil {
		return a, err
	}
	if err := s.cache.Delete(ctx, cache.RiskKey(a.City)); err != nil {
		s.logger.Warn("risk cache invalidation failed", zap.String("city", a.City), zap.Error(err))
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionAnomaly, City: a.City, Details: map[string]any{
		"resolved_id": a.ID,
		"metric":      a.MetricType,
	}})
	return a, nil
}

// RiskHistory lists stored risk snapshots of a city, newest first.
func (s *Service) RiskHistory(ctx context.Context, city string, limit int) ([]models.RiskScoreSnapshot, error) {
	city, err := s.knownCity(ctx, city)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ListRiskSnapshots(ctx, city, storage.Clamp(limit, storage.DefaultRiskLimit, storage.MaxRiskLimit))
	if err != nil {
		return nil, fmt.Errorf("list risk snapshots: %w", err)
	}
	if out == nil {
		out = []models.RiskScoreSnapshot{}
	}
	return out, nil
}

func (s *Service) knownCity(ctx context.Context, city string) (string, error) {
	city = models.CityKey(city)
	if _, err := s.store.GetCity(ctx, city); err != nil {
		return city, err
	}
	return city, nil
}

func (s *Service) GenerateAllAlerts(ctx context.Context, city string) (alerts.Result, error) {
	res, err := s.alerts.Generate(ctx, city)
	if err != nil {
		return res, err
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionAlerts, City: res.City, Details: map[string]any{
		"alerts_created": res.AlertsCreated,
		"breakdown":      res.Breakdown,
		"failed":         len(res.Errors),
	}})
	return res, nil
}

func (s *Service) ResolveAlert(ctx context.Context, id, acknowledgedBy string) (alerts.ResolveResult, error) {
	res, err := s.alerts.Resolve(ctx, id, acknowledgedBy)
	if errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return res, err
}

func (s *Service) Simulate(ctx context.Context, in models.ScenarioInput) (scenario.Result, error) {
	res, err := s.scenarios.Simulate(ctx, in)
	if err != nil {
		return res, err
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionScenario, City: res.City, Details: map[string]any{
		"scenario_id":    res.ScenarioID,
		"zone":           res.Zone,
		"window":         res.Window.Class,
		"confidence":     res.OverallConfidence,
		"recommendation": res.Recommendation,
	}})
	return res, nil
}

// Forecast predicts horizon days for a city and persists the records.
func (s *Service) Forecast(ctx context.Context, city string, horizon int) (forecast.Result, error) {
	if horizon < 0 || horizon > forecast.MaxHorizon {
		return forecast.Result{}, fmt.Errorf("%w: horizon must be between 1 and %d", ErrInvalidRequest, forecast.MaxHorizon)
	}
	if horizon == 0 {
		horizon = forecast.DefaultHorizon
	}
	res, err := s.forecasts.Run(ctx, city, horizon)
	if err != nil {
		return res, err
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionForecast, City: res.City, Details: map[string]any{
		"horizon":     len(res.Predictions),
		"data_points": res.DataPoints,
		"confidence":  res.Confidence,
	}})
	return res, nil
}

// Explain recomputes the current forecast, risk or anomaly view of a city
// without persisting it and explains it.
func (s *Service) Explain(ctx context.Context, kind, city string) (explain.Explanation, error) {
	var (
		e   explain.Explanation
		err error
	)
	switch kind {
	case ExplainForecast:
		var r forecast.Result
		if r, err = s.forecasts.Forecast(ctx, city, forecast.DefaultHorizon); err == nil {
			e = explain.Forecast(r)
		}
	case ExplainRisk:
		var a risk.Assessment
		if a, err = s.scorer.Score(ctx, city); err == nil {
			e = explain.Risk(a)
		}
	case ExplainAnomalies:
		var r anomaly.Report
		if r, err = s.detector.Detect(ctx, city); err == nil {
			e = explain.Anomalies(r)
		}
	default:
		return e, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return e, err
	}
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionExplain, City: models.CityKey(city), Details: map[string]any{
		"kind":       kind,
		"confidence": e.Confidence.Level,
	}})
	return e, nil
}

// ErrorBody turns an error into the body handed to a caller. Unexpected
// errors are not described.
func ErrorBody(err error) map[string]string {
	var msg string
	switch {
	case errors.Is(err, ErrAlertNotFound):
		msg = "Alert not found"
	case errors.Is(err, ErrAnomalyNotFound):
		msg = "Anomaly not found"
	case errors.Is(err, storage.ErrNotFound):
		msg = "City not found"
	case errors.Is(err, scenario.ErrInvalidInput),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownKind):
		msg = err.Error()
	default:
		msg = "internal error"
	}
	return map[string]string{"error": msg}
}

// ── scheduled jobs ──

// Cities lists the configured cities, or every stored city when none are.
func (s *Service) Cities(ctx context.Context) ([]string, error) {
	if len(s.cities) > 0 {
		return s.cities, nil
	}
	list, err := s.store.ListCities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, models.CityKey(c.Name))
	}
	sort.Strings(out)
	return out, nil
}

// ForEachCity runs fn for every city with bounded concurrency. A failing
// city does not stop the others; their errors are joined.
func (s *Service) ForEachCity(ctx context.Context, fn func(ctx context.Context, city string) error) error {
	cities, err := s.Cities(ctx)
	if err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		errs []error
		eg   errgroup.Group
	)
	eg.SetLimit(cityConcurrency)
	for _, city := range cities {
		eg.Go(func() error {
			if err := fn(ctx, city); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", city, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// HealthCheck marks stale sources offline and probes the store and cache
// within the external timeout. Probe failures only change source health.
func (s *Service) HealthCheck(ctx context.Context) error {
	stale, err := s.sources.Sweep(ctx)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		s.logger.Warn("stale data sources", zap.Strings("sources", stale))
	}
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		s.sources.Probe(ctx, "postgres", "database", p.Ping)
	}
	if c, ok := s.cache.(*cache.Service); ok && c.Available() {
		s.sources.Probe(ctx, "redis", "cache", c.Ping)
	}
	return nil
}

// Jobs returns the periodic jobs of the worker.
func (s *Service) Jobs(cfg config.JobsConfig) []scheduler.Job {
	perCity := func(fn func(ctx context.Context, city string) error) func(context.Context) error {
		return func(ctx context.Context) error { return s.ForEachCity(ctx, fn) }
	}
	return []scheduler.Job{
		{Name: scheduler.JobForecasting, Interval: cfg.Forecast, Run: perCity(func(ctx context.Context, city string) error {
			_, err := s.Forecast(ctx, city, forecast.DefaultHorizon)
			return err
		})},
		{Name: scheduler.JobAnomalyDetection, Interval: cfg.Anomaly, Run: perCity(func(ctx context.Context, city string) error {
			_, err := s.DetectAllAnomalies(ctx, city, "")
			return err
		})},
		{Name: scheduler.JobRiskCalculation, Interval: cfg.Risk, Run: perCity(func(ctx context.Context, city string) error {
			_, err := s.CalculateCityRisk(ctx, city)
			return err
		})},
		{Name: scheduler.JobAlertGeneration, Interval: cfg.Alerts, Run: perCity(func(ctx context.Context, city string) error {
			_, err := s.GenerateAllAlerts(ctx, city)
			return err
		})},
		{Name: scheduler.JobHealthCheck, Interval: cfg.Health, Run: s.HealthCheck},
	}
}

// RegisterJobs registers every job with sch.
func (s *Service) RegisterJobs(sch scheduler.Scheduler, cfg config.JobsConfig) error {
	for _, job := range s.Jobs(cfg) {
		if err := sch.Register(job); err != nil {
			return err
		}
	}
	return nil
}
