package models

import "time"

const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
	DirectionBaseline = "baseline"
)

// ScenarioInput is the typed what-if request. Baselines are optional; when
// nil they are read from the latest stored readings.
type ScenarioInput struct {
	City                    string   `json:"city"`
	Zone                    string   `json:"zone"`
	TimeWindow              string   `json:"time_window"`
	TrafficDensityChange    float64  `json:"traffic_density_change"`
	HeavyVehicleRestriction bool     `json:"heavy_vehicle_restriction"`
	BaselineAQI             *float64 `json:"baseline_aqi,omitempty"`
	BaselineTrafficDensity  *float64 `json:"baseline_traffic_density,omitempty"`
}

type Impact struct {
	Metric        string  `json:"metric"`
	Unit          string  `json:"unit,omitempty"`
	BaselineValue float64 `json:"baseline_value"`
	Predicted     float64 `json:"predicted_value"`
	ChangePercent float64 `json:"change_percent"`
	Direction     string  `json:"direction"`
	Confidence    float64 `json:"confidence"`
	Explanation   string  `json:"explanation"`
}

// Scenario is the immutable audit record of one simulation.
type Scenario struct {
	ID             string        `db:"id" json:"id"`
	City           string        `db:"city" json:"city"`
	Zone           string        `db:"zone" json:"zone"`
	Inputs         ScenarioInput `db:"inputs" json:"inputs"`
	Impacts        []Impact      `db:"outputs" json:"impacts"`
	Confidence     float64       `db:"confidence" json:"confidence"`
	Explanation    string        `db:"explanation" json:"explanation"`
	Recommendation string        `db:"recommendation" json:"recommendation"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

func (Scenario) TableName() string { return "scenarios" }
