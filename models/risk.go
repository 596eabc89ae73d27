package models

import "time"

const (
	RiskComponentEnvironment = "environment"
	RiskComponentTraffic     = "traffic"
	RiskComponentServices    = "services"
	RiskComponentAnomalies   = "anomalies"

	RiskCategoryOverall = "overall"
)

type ContributingFactor struct {
	Component string  `json:"component"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
}

// RiskScoreSnapshot is append-only history.
type RiskScoreSnapshot struct {
	ID           string               `db:"id" json:"id"`
	City         string               `db:"city" json:"city"`
	Category     string               `db:"category" json:"category"`
	Score        float64              `db:"score" json:"score"`
	Level        string               `db:"level" json:"level"`
	Factors      []ContributingFactor `db:"contributing_factors" json:"contributing_factors"`
	CalculatedAt time.Time            `db:"calculated_at" json:"calculated_at"`
}

func (RiskScoreSnapshot) TableName() string { return "risk_scores" }
