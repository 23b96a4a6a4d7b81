// Package metrics declares the Prometheus collectors of the bridge. They are
// registered with the default registry and served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay directions used as the "direction" label of RelayedBytes.
const (
	DirectionInbound  = "client_to_shell"
	DirectionOutbound = "shell_to_client"
)

var (
	SessionsActive    = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshbridge_sessions_active", Help: "Sessions between accept and close"})
	SessionsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshbridge_sessions_total", Help: "Finished sessions by outcome"}, []string{"outcome"})
	EstablishFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshbridge_establish_failures_total", Help: "Establishment failures by stage"}, []string{"stage"})
	ParameterErrors   = promauto.NewCounter(prometheus.CounterOpts{Name: "sshbridge_parameter_errors_total", Help: "Connections rejected for missing or invalid parameters"})
	RelayedBytes      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshbridge_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	SessionDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sshbridge_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 18)})
)
