package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aether_sync_sessions_active",
		Help: "Number of currently registered device sessions.",
	})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aether_sync_broadcasts_total",
		Help: "Messages enqueued for fan-out, by kind.",
	}, []string{"kind"})

	forcedDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aether_sync_forced_disconnects_total",
		Help: "Sessions disconnected because their outbound buffer filled.",
	})

	idleDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aether_sync_idle_disconnects_total",
		Help: "Sessions disconnected by the idle sweeper.",
	})
)
