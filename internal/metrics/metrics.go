package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing metrics
var (
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtfss_messages_routed_total",
			Help: "Messages moved out of the inbox, by decision kind",
		},
		[]string{"kind"},
	)

	MessageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtfss_message_failures_total",
			Help: "Messages left in the inbox after a per-message failure, by stage",
		},
		[]string{"stage"},
	)

	IgnoredFoldersRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtfss_ignored_user_folders_removed_total",
			Help: "Active user folders removed because an ignore folder exists",
		},
	)
)

// Session metrics
var (
	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtfss_sweeps_total",
			Help: "Completed or aborted inbox sweeps",
		},
		[]string{"result"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtfss_reconnects_total",
			Help: "Session rebuilds after the store became unavailable",
		},
	)

	LastSweepTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtfss_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed sweep",
		},
	)
)
