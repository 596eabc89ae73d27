package models

import "time"

// Sample kinds, also used as the anomaly "type" and the data-source type.
const (
	KindEnvironment = "environment"
	KindTraffic     = "traffic"
	KindService     = "service"
)

// Congestion categories derived from density percent.
const (
	CongestionLow    = "low"
	CongestionMedium = "medium"
	CongestionHigh   = "high"
)

type EnvironmentSample struct {
	TS          time.Time `db:"ts" json:"ts"`
	City        string    `db:"city" json:"city"`
	AQI         *float64  `db:"aqi" json:"aqi,omitempty"`
	PM25        *float64  `db:"pm25" json:"pm25,omitempty"`
	Temperature *float64  `db:"temperature" json:"temperature,omitempty"`
	Rainfall    *float64  `db:"rainfall" json:"rainfall,omitempty"`
	Source      string    `db:"source" json:"source"`
}

func (EnvironmentSample) TableName() string { return "environment_data" }

// Metrics returns the non-null readings keyed by metric name.
func (s EnvironmentSample) Metrics() map[string]float64 {
	out := make(map[string]float64, 4)
	put(out, MetricAQI, s.AQI)
	put(out, MetricPM25, s.PM25)
	put(out, MetricTemperature, s.Temperature)
	put(out, MetricRainfall, s.Rainfall)
	return out
}

// TrafficSample stores density percent as the source of truth; the
// congestion category is a view over it.
type TrafficSample struct {
	TS                time.Time `db:"ts" json:"ts"`
	City              string    `db:"city" json:"city"`
	Zone              string    `db:"zone" json:"zone"`
	DensityPercent    float64   `db:"density_percent" json:"density_percent"`
	HeavyVehicleCount *int      `db:"heavy_vehicle_count" json:"heavy_vehicle_count,omitempty"`
	Source            string    `db:"source" json:"source"`
}

func (TrafficSample) TableName() string { return "traffic_data" }

func (s TrafficSample) Congestion() string {
	return CongestionCategory(s.DensityPercent)
}

func CongestionCategory(densityPercent float64) string {
	switch {
	case densityPercent < 40:
		return CongestionLow
	case densityPercent < 70:
		return CongestionMedium
	default:
		return CongestionHigh
	}
}

type ServiceSample struct {
	TS                 time.Time `db:"ts" json:"ts"`
	City               string    `db:"city" json:"city"`
	WaterSupplyStress  *float64  `db:"water_supply_stress" json:"water_supply_stress,omitempty"`
	WasteCollectionEff *float64  `db:"waste_collection_eff" json:"waste_collection_eff,omitempty"`
	PowerOutageCount   *int      `db:"power_outage_count" json:"power_outage_count,omitempty"`
	Source             string    `db:"source" json:"source"`
}

func (ServiceSample) TableName() string { return "service_data" }

func (s ServiceSample) Metrics() map[string]float64 {
	out := make(map[string]float64, 3)
	put(out, MetricWaterStress, s.WaterSupplyStress)
	put(out, MetricWasteEfficiency, s.WasteCollectionEff)
	if s.PowerOutageCount != nil {
		out[MetricPowerOutages] = float64(*s.PowerOutageCount)
	}
	return out
}

func put(m map[string]float64, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
