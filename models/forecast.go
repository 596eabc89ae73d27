package models

import "time"

// ForecastRecord is one predicted value of one metric for one day.
type ForecastRecord struct {
	ID             string    `db:"id" json:"id"`
	City           string    `db:"city" json:"city"`
	MetricType     string    `db:"metric_type" json:"metric_type"`
	TargetDate     time.Time `db:"target_date" json:"target_date"`
	PredictedValue float64   `db:"predicted_value" json:"predicted_value"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	Explanation    string    `db:"explanation" json:"explanation"`
	ModelVersion   string    `db:"model_version" json:"model_version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func (ForecastRecord) TableName() string { return "forecasts" }
