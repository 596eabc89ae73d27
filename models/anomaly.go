package models

import "time"

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Anomaly is never deleted; only Resolved flips, from outside this core.
type Anomaly struct {
	ID            string    `db:"id" json:"id"`
	City          string    `db:"city" json:"city"`
	MetricType    string    `db:"metric_type" json:"metric_type"`
	DetectedAt    time.Time `db:"detected_at" json:"detected_at"`
	Value         float64   `db:"value" json:"value"`
	ExpectedValue float64   `db:"expected_value" json:"expected_value"`
	Deviation     float64   `db:"deviation" json:"deviation"`
	Severity      string    `db:"severity" json:"severity"`
	Explanation   string    `db:"explanation" json:"explanation"`
	Resolved      bool      `db:"resolved" json:"resolved"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

func (Anomaly) TableName() string { return "anomalies" }
