package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState       = promauto.NewGauge(prometheus.GaugeOpts{Name: "corelink_connection_state", Help: "Current connection state (0 idle, 1 connecting, 2 connected, 3 error)"})
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "corelink_state_transitions_total", Help: "Connection state transitions by target state"}, []string{"state"})
	EngineLaunchesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "corelink_engine_launches_total", Help: "Engine launches by mode and result"}, []string{"mode", "result"})
	MonitorPollsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "corelink_monitor_polls_total", Help: "Engine status polls issued by monitor sessions"})
	StartupSeconds        = promauto.NewHistogram(prometheus.HistogramOpts{Name: "corelink_engine_startup_seconds", Help: "Time from launch to engine reported running", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)})
	SwitchOutcomesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "corelink_switch_outcomes_total", Help: "Node switch outcomes by kind and method"}, []string{"outcome", "method"})
	ProbeBatchesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "corelink_probe_batches_total", Help: "Latency probe batches by result"}, []string{"result"})
	BreakerTripsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "corelink_probe_breaker_trips_total", Help: "Latency probe breaker trips"})
	BreakerFailures       = promauto.NewGauge(prometheus.GaugeOpts{Name: "corelink_probe_breaker_consecutive_failures", Help: "Consecutive failed probe batches"})
)
