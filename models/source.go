package models

import "time"

// DataSourceHealth is written by ingestion and read by the system-health
// alert family.
type DataSourceHealth struct {
	ID                  string     `db:"id" json:"id"`
	Name                string     `db:"name" json:"name"`
	Type                string     `db:"type" json:"type"`
	ExpectedIntervalMin int        `db:"expected_frequency" json:"expected_frequency_min"`
	LastSeenAt          *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	IsOnline            bool       `db:"is_online" json:"is_online"`
	FailureCount        int        `db:"failure_count" json:"failure_count"`
	TotalIngestions     int        `db:"total_ingestions" json:"total_ingestions"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (DataSourceHealth) TableName() string { return "data_sources" }

func (s DataSourceHealth) ExpectedInterval() time.Duration {
	return time.Duration(s.ExpectedIntervalMin) * time.Minute
}
