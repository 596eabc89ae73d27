package models

const (
	MetricAQI             = "aqi"
	MetricPM25            = "pm25"
	MetricTemperature     = "temperature"
	MetricRainfall        = "rainfall"
	MetricWaterStress     = "water_supply_stress"
	MetricWasteEfficiency = "waste_collection_eff"
	MetricPowerOutages    = "power_outage_count"
	MetricCongestion      = "traffic_congestion"
)

var (
	EnvironmentMetrics = []string{MetricAQI, MetricPM25, MetricTemperature, MetricRainfall}
	ServiceMetrics     = []string{MetricWaterStress, MetricWasteEfficiency, MetricPowerOutages}
)

// Float returns a pointer to v, for optional readings.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional counts.
func Int(v int) *int { return &v }
