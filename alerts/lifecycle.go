package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cityflow/models"
	"cityflow/storage"
)

type ResolveResult struct {
	Alert           models.Alert `json:"alert"`
	AlreadyResolved bool         `json:"already_resolved"`
}

// Message is the human-readable outcome of a resolve call.
func (r ResolveResult) Message() string {
	if r.AlreadyResolved {
		return "Alert already resolved"
	}
	return "Alert resolved"
}

// Resolve moves an active alert to its terminal state. Resolving a resolved
// alert changes nothing and reports the earlier resolved_at.
func (g *Generator) Resolve(ctx context.Context, id, acknowledgedBy string) (ResolveResult, error) {
	cur, err := g.store.GetAlert(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	if !cur.IsActive {
		return ResolveResult{Alert: cur, AlreadyResolved: true}, nil
	}

	at := g.now().UTC()
	meta := map[string]any{models.MetaAcknowledgedAt: at.Format(time.RFC3339)}
	if acknowledgedBy != "" {
		meta[models.MetaAcknowledgedBy] = acknowledgedBy
	}
	a, err := g.store.ResolveAlert(ctx, id, at, meta)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	// lost a race with another resolver
	if a.ResolvedAt == nil || !a.ResolvedAt.Equal(at) {
		return ResolveResult{Alert: a, AlreadyResolved: true}, nil
	}
	g.logger.Info("alert resolved",
		zap.String("id", id),
		zap.String("city", a.City),
		zap.String("acknowledged_by", acknowledgedBy))
	return ResolveResult{Alert: a}, nil
}

func (g *Generator) List(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	if f.City != "" {
		f.City = models.CityKey(f.City)
	}
	f.Limit = storage.ClampLimit(f.Limit)
	return g.store.ListAlerts(ctx, f)
}

type Summary struct {
	City         string         `json:"city"`
	TotalAlerts  int            `json:"total_alerts"`
	ActiveAlerts int            `json:"active_alerts"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	Recent24h    int            `json:"recent_24h"`
}

// Summary counts the alerts of a city. Severity and type counts cover
// active alerts only.
func (g *Generator) Summary(ctx context.Context, city string) (Summary, error) {
	city = models.CityKey(city)
	if _, err := g.store.GetCity(ctx, city); err != nil {
		return Summary{}, err
	}
	s := Summary{
		City:       city,
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}
	count := func(f models.AlertFilter) (int, error) {
		f.City = city
		n, err := g.store.CountAlerts(ctx, f)
		if err != nil {
			return 0, fmt.Errorf("count alerts: %w", err)
		}
		return n, nil
	}

	var err error
	if s.TotalAlerts, err = count(models.AlertFilter{}); err != nil {
		return Summary{}, err
	}
	if s.ActiveAlerts, err = count(models.AlertFilter{ActiveOnly: true}); err != nil {
		return Summary{}, err
	}
	for _, sev := range []string{models.AlertSeverityCritical, models.AlertSeverityWarning, models.AlertSeverityInfo} {
		if s.BySeverity[sev], err = count(models.AlertFilter{ActiveOnly: true, Severity: sev}); err != nil {
			return Summary{}, err
		}
	}
	for _, typ := range []string{models.AlertTypeRisk, models.AlertTypeAnomaly, models.AlertTypeForecast, models.AlertTypeSystem} {
		if s.ByType[typ], err = count(models.AlertFilter{ActiveOnly: true, Type: typ}); err != nil {
			return Summary{}, err
		}
	}
	if s.Recent24h, err = count(models.AlertFilter{Since: g.now().UTC().Add(-24 * time.Hour)}); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// PublicAlert is what residents see: no metadata, no lifecycle fields.
type PublicAlert struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	When     time.Time `json:"when"`
}

func PublicView(a models.Alert) PublicAlert {
	return PublicAlert{
		Title:    a.Title,
		Message:  a.Message,
		Severity: a.Severity,
		When:     a.CreatedAt,
	}
}

// ForAudience formats alerts for one audience. The public audience gets
// PublicView; anyone else gets the full records.
func ForAudience(list []models.Alert, audience string) any {
	if audience != models.AudiencePublic {
		return list
	}
	out := make([]PublicAlert, 0, len(list))
	for _, a := range list {
		out = append(out, PublicView(a))
	}
	return out
}
