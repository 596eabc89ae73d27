package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cityflow/models"
)

// Memory is a process-local Store used by tests and the CLI's offline mode.
// A single mutex guards all tables, so InsertAlertIfAbsent is atomic.
type Memory struct {
	mu sync.RWMutex

	cities      map[string]models.City
	environment []models.EnvironmentSample
	traffic     []models.TrafficSample
	services    []models.ServiceSample
	anomalies   []models.Anomaly
	risk        []models.RiskScoreSnapshot
	forecasts   []models.ForecastRecord
	alerts      []models.Alert
	scenarios   []models.Scenario
	sources     map[string]models.DataSourceHealth
}

func NewMemory() *Memory {
	return &Memory{
		cities:  make(map[string]models.City),
		sources: make(map[string]models.DataSourceHealth),
	}
}

var _ Store = (*Memory)(nil)

// AddCity registers a city under its normalised name.
func (m *Memory) AddCity(c models.City) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Name = models.CityKey(c.Name)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.cities[c.Name] = c
}

func (m *Memory) GetCity(_ context.Context, name string) (models.City, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cities[models.CityKey(name)]
	if !ok {
		return models.City{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCities(_ context.Context) ([]models.City, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.City, 0, len(m.cities))
	for _, c := range m.cities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── samples ──

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func (m *Memory) EnvironmentSamples(_ context.Context, city string, from, to time.Time) ([]models.EnvironmentSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EnvironmentSample
	for _, s := range m.environment {
		if s.City == city && inRange(s.TS, from, to) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (m *Memory) TrafficSamples(_ context.Context, city string, from, to time.Time) ([]models.TrafficSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TrafficSample
	for _, s := range m.traffic {
		if s.City == city && inRange(s.TS, from, to) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (m *Memory) ServiceSamples(_ context.Context, city string, from, to time.Time) ([]models.ServiceSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceSample
	for _, s := range m.services {
		if s.City == city && inRange(s.TS, from, to) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (m *Memory) LatestEnvironment(_ context.Context, city string) (models.EnvironmentSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.EnvironmentSample
		found  bool
	)
	for _, s := range m.environment {
		if s.City == city && (!found || s.TS.After(latest.TS)) {
			latest, found = s, true
		}
	}
	if !found {
		return models.EnvironmentSample{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) LatestTrafficByZone(_ context.Context, city string) ([]models.TrafficSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byZone := make(map[string]models.TrafficSample)
	for _, s := range m.traffic {
		if s.City != city {
			continue
		}
		if cur, ok := byZone[s.Zone]; !ok || s.TS.After(cur.TS) {
			byZone[s.Zone] = s
		}
	}
	out := make([]models.TrafficSample, 0, len(byZone))
	for _, s := range byZone {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out, nil
}

func (m *Memory) LatestService(_ context.Context, city string) (models.ServiceSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.ServiceSample
		found  bool
	)
	for _, s := range m.services {
		if s.City == city && (!found || s.TS.After(latest.TS)) {
			latest, found = s, true
		}
	}
	if !found {
		return models.ServiceSample{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) InsertEnvironment(_ context.Context, s models.EnvironmentSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.environment {
		if cur.City == s.City && cur.TS.Equal(s.TS) && cur.Source == s.Source {
			return nil
		}
	}
	m.environment = append(m.environment, s)
	return nil
}

func (m *Memory) InsertTraffic(_ context.Context, s models.TrafficSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.traffic {
		if cur.City == s.City && cur.Zone == s.Zone && cur.TS.Equal(s.TS) && cur.Source == s.Source {
			return nil
		}
	}
	m.traffic = append(m.traffic, s)
	return nil
}

func (m *Memory) InsertService(_ context.Context, s models.ServiceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.services {
		if cur.City == s.City && cur.TS.Equal(s.TS) && cur.Source == s.Source {
			return nil
		}
	}
	m.services = append(m.services, s)
	return nil
}

// ── anomalies ──

func (m *Memory) InsertAnomaly(_ context.Context, a models.Anomaly) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.anomalies {
		if cur.City == a.City && cur.MetricType == a.MetricType && cur.DetectedAt.Equal(a.DetectedAt) {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.anomalies = append(m.anomalies, a)
	return true, nil
}

func (m *Memory) UnresolvedAnomalies(_ context.Context, city string, since time.Time) ([]models.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Anomaly
	for _, a := range m.anomalies {
		if a.City == city && !a.Resolved && !a.DetectedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (m *Memory) ListAnomalies(_ context.Context, city string, limit int) ([]models.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Anomaly
	for _, a := range m.anomalies {
		if a.City == city {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return head(out, Clamp(limit, DefaultAnomalyLimit, MaxAnomalyLimit)), nil
}

func (m *Memory) ResolveAnomaly(_ context.Context, id string) (models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.anomalies {
		if m.anomalies[i].ID == id {
			m.anomalies[i].Resolved = true
			return m.anomalies[i], nil
		}
	}
	return models.Anomaly{}, ErrNotFound
}

// ── risk & forecasts ──

func (m *Memory) InsertRiskSnapshot(_ context.Context, s models.RiskScoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Factors = append([]models.ContributingFactor(nil), s.Factors...)
	m.risk = append(m.risk, s)
	return nil
}

func (m *Memory) RecentRiskSnapshots(_ context.Context, city string, since time.Time) ([]models.RiskScoreSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RiskScoreSnapshot
	for _, s := range m.risk {
		if s.City == city && !s.CalculatedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	return out, nil
}

func (m *Memory) ListRiskSnapshots(_ context.Context, city string, limit int) ([]models.RiskScoreSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RiskScoreSnapshot
	for _, s := range m.risk {
		if s.City == city {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	return head(out, Clamp(limit, DefaultRiskLimit, MaxRiskLimit)), nil
}

func head[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func (m *Memory) InsertForecasts(_ context.Context, recs []models.ForecastRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		if i := m.forecastIndex(r); i >= 0 {
			r.ID = m.forecasts[i].ID
			m.forecasts[i] = r
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.forecasts = append(m.forecasts, r)
	}
	return nil
}

// forecastIndex finds the stored record with r's natural key.
func (m *Memory) forecastIndex(r models.ForecastRecord) int {
	for i, f := range m.forecasts {
		if f.City == r.City && f.MetricType == r.MetricType &&
			f.TargetDate.Equal(r.TargetDate) && f.ModelVersion == r.ModelVersion {
			return i
		}
	}
	return -1
}

func (m *Memory) ForecastsBetween(_ context.Context, city string, from, to time.Time) ([]models.ForecastRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ForecastRecord
	for _, r := range m.forecasts {
		if r.City == city && inRange(r.TargetDate, from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TargetDate.Before(out[j].TargetDate) })
	return out, nil
}

// ── alerts ──

func cloneAlert(a models.Alert) models.Alert {
	a.Metadata = maps.Clone(a.Metadata)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}

func (m *Memory) InsertAlertIfAbsent(_ context.Context, a models.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.alerts {
		if cur.IsActive && cur.City == a.City && cur.Type == a.Type && cur.Signature == a.Signature {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.IsActive = true
	m.alerts = append(m.alerts, cloneAlert(a))
	return true, nil
}

func matchesAlert(a models.Alert, f models.AlertFilter) bool {
	switch {
	case f.City != "" && a.City != f.City:
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case f.ActiveOnly && !a.IsActive:
		return false
	case !f.Since.IsZero() && a.CreatedAt.Before(f.Since):
		return false
	}
	// an audience filter also admits alerts addressed to both
	if f.Audience != "" && a.Audience != f.Audience && a.Audience != models.AudienceBoth {
		return false
	}
	return true
}

// ListAlerts returns newest first.
func (m *Memory) ListAlerts(_ context.Context, f models.AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if matchesAlert(a, f) {
			out = append(out, cloneAlert(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := ClampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAlerts(_ context.Context, f models.AlertFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if matchesAlert(a, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.ID == id {
			return cloneAlert(a), nil
		}
	}
	return models.Alert{}, ErrNotFound
}

func (m *Memory) ResolveAlert(_ context.Context, id string, at time.Time, meta map[string]any) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.ID != id {
			continue
		}
		if !a.IsActive {
			return cloneAlert(*a), nil
		}
		a.IsActive = false
		resolved := at
		a.ResolvedAt = &resolved
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, len(meta))
		}
		maps.Copy(a.Metadata, meta)
		return cloneAlert(*a), nil
	}
	return models.Alert{}, ErrNotFound
}

// ── scenarios & sources ──

func (m *Memory) InsertScenario(_ context.Context, s models.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Impacts = append([]models.Impact(nil), s.Impacts...)
	m.scenarios = append(m.scenarios, s)
	return nil
}

func (m *Memory) ListScenarios(_ context.Context, city string, limit int) ([]models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Scenario
	for _, s := range m.scenarios {
		if city == "" || s.City == city {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSources(_ context.Context) ([]models.DataSourceHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DataSourceHealth, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetSource(_ context.Context, name string) (models.DataSourceHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[name]
	if !ok {
		return models.DataSourceHealth{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) UpsertSource(_ context.Context, s models.DataSourceHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sources[s.Name]; ok && s.ID == "" {
		s.ID = cur.ID
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sources[s.Name] = s
	return nil
}
