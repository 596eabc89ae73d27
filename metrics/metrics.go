// Package metrics holds the Prometheus collectors of the analytics core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_anomalies_detected_total",
			Help: "Anomalies newly recorded, by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	RiskCalculations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_risk_calculations_total",
			Help: "Composite risk calculations, by resulting level.",
		},
		[]string{"level"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_alerts_created_total",
			Help: "Alerts created, by family and severity.",
		},
		[]string{"family", "severity"},
	)

	AlertFamilyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_alert_family_failures_total",
			Help: "Alert generation families that failed.",
		},
		[]string{"family"},
	)

	ScenariosSimulated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_scenarios_simulated_total",
			Help: "Scenario simulations, by zone.",
		},
		[]string{"zone"},
	)

	ForecastsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_forecasts_generated_total",
			Help: "Forecast runs, by outcome (ok, insufficient_data).",
		},
		[]string{"outcome"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_persistence_failures_total",
			Help: "Writes that failed after a result was computed.",
		},
		[]string{"kind"},
	)

	SourceProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_source_probe_failures_total",
			Help: "Failed or timed out data-source probes.",
		},
		[]string{"source"},
	)

	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_collector_messages_total",
			Help: "MQTT messages handled by the collector, by kind and status.",
		},
		[]string{"kind", "status"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityflow_job_runs_total",
			Help: "Scheduled job runs, by job and status.",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cityflow_job_duration_seconds",
			Help:    "Duration of a scheduled job run.",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"job"},
	)
)
