package models

import (
	"testing"
	"time"
)

func TestCongestionCategory(t *testing.T) {
	tests := []struct {
		density float64
		want    string
	}{
		{0, CongestionLow},
		{39.9, CongestionLow},
		{40, CongestionMedium},
		{69.9, CongestionMedium},
		{70, CongestionHigh},
		{100, CongestionHigh},
	}
	for _, tt := range tests {
		if got := CongestionCategory(tt.density); got != tt.want {
			t.Errorf("CongestionCategory(%v) = %q, want %q", tt.density, got, tt.want)
		}
	}

	s := TrafficSample{Zone: "A", DensityPercent: 88}
	if s.Congestion() != CongestionHigh {
		t.Errorf("Congestion() = %q, want %q", s.Congestion(), CongestionHigh)
	}
}

func TestEnvironmentMetricsSkipsNulls(t *testing.T) {
	s := EnvironmentSample{TS: time.Now(), City: "surat", AQI: Float(120), Temperature: Float(31)}
	m := s.Metrics()
	if len(m) != 2 {
		t.Fatalf("len(Metrics()) = %d, want 2 (%v)", len(m), m)
	}
	if m[MetricAQI] != 120 || m[MetricTemperature] != 31 {
		t.Errorf("Metrics() = %v", m)
	}
	if _, ok := m[MetricPM25]; ok {
		t.Error("pm25 should be absent when null")
	}
}

func TestServiceMetrics(t *testing.T) {
	s := ServiceSample{WaterSupplyStress: Float(0.4), PowerOutageCount: Int(3)}
	m := s.Metrics()
	if m[MetricWaterStress] != 0.4 {
		t.Errorf("water stress = %v, want 0.4", m[MetricWaterStress])
	}
	if m[MetricPowerOutages] != 3 {
		t.Errorf("power outages = %v, want 3", m[MetricPowerOutages])
	}
	if _, ok := m[MetricWasteEfficiency]; ok {
		t.Error("waste efficiency should be absent when null")
	}
}

func TestCityKey(t *testing.T) {
	if got := CityKey("  Ahmedabad "); got != "ahmedabad" {
		t.Errorf("CityKey() = %q, want %q", got, "ahmedabad")
	}
}
