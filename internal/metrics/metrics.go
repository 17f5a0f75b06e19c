package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portknox_health_checks_total",
			Help: "Health probes executed, by result",
		},
		[]string{"result"},
	)

	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portknox_health_check_duration_seconds",
			Help:    "Elapsed time of health probes",
			Buckets: prometheus.DefBuckets,
		},
	)

	Alarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portknox_alarms_total",
			Help: "Alarm notifications attempted, by kind and delivery outcome",
		},
		[]string{"kind", "delivered"},
	)

	Sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portknox_sweeps_total",
			Help: "Completed health check sweeps",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portknox_sweep_duration_seconds",
			Help:    "Wall time of a full health check sweep",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	HistoryRowsCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portknox_history_rows_cleaned_total",
			Help: "History rows removed by retention cleanup",
		},
	)

	TunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portknox_tunnels_active",
			Help: "Tunnel sessions currently active",
		},
	)

	TunnelCreateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portknox_tunnel_create_failures_total",
			Help: "Failed tunnel creations, by failure kind",
		},
		[]string{"kind"},
	)

	TunnelRelays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portknox_tunnel_relays_total",
			Help: "Relay connections handled, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HealthChecks,
		HealthCheckDuration,
		Alarms,
		Sweeps,
		SweepDuration,
		HistoryRowsCleaned,
		TunnelsActive,
		TunnelCreateFailures,
		TunnelRelays,
	)
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
