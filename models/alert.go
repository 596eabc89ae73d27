package models

import "time"

const (
	AlertTypeRisk     = "risk"
	AlertTypeAnomaly  = "anomaly"
	AlertTypeForecast = "forecast"
	AlertTypeSystem   = "system"

	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"

	AudiencePublic   = "public"
	AudienceInternal = "internal"
	AudienceBoth     = "both"

	MetaSignature      = "signature"
	MetaAcknowledgedBy = "acknowledged_by"
	MetaAcknowledgedAt = "acknowledged_at"
)

// Alert is created active and resolved once. At most one active alert may
// exist per (City, Type, Signature); City is empty for system-wide alerts.
type Alert struct {
	ID         string         `db:"id" json:"id"`
	City       string         `db:"city" json:"city,omitempty"`
	Type       string         `db:"type" json:"type"`
	Severity   string         `db:"severity" json:"severity"`
	Audience   string         `db:"audience" json:"audience"`
	Title      string         `db:"title" json:"title"`
	Message    string         `db:"message" json:"message"`
	Signature  string         `db:"signature" json:"signature"`
	IsActive   bool           `db:"is_active" json:"is_active"`
	ResolvedAt *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	Metadata   map[string]any `db:"metadata" json:"metadata"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

func (Alert) TableName() string { return "alerts" }

// AlertFilter narrows alert listings; zero values mean "any".
type AlertFilter struct {
	City       string
	Type       string
	Audience   string
	Severity   string
	ActiveOnly bool
	Since      time.Time
	Limit      int
}
