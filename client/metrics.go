package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aether_client",
			Name:      "status_transitions_total",
			Help:      "Sync agent status transitions.",
		},
		[]string{"status"},
	)

	remoteEventsAppliedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aether_client",
			Name:      "remote_events_applied_total",
			Help:      "Server events applied to the local store.",
		},
	)

	mutationsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aether_client",
			Name:      "mutations_enqueued_total",
			Help:      "Local mutations written to the offline queue.",
		},
	)

	conflictsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aether_client",
			Name:      "conflicts_received_total",
			Help:      "Conflicts received that need a user decision.",
		},
	)
)

func observeStatus(s SyncStatus) {
	statusTransitionsTotal.WithLabelValues(string(s)).Inc()
}
