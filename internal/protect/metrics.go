package protect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the live-state subsystem. Registered
// on the default registry; scraping is the embedding application's
// concern.
var (
	packetsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protect_packets_applied_total",
			Help: "Push packets that produced a subscription message",
		},
		[]string{"model", "action"},
	)

	packetErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "protect_packet_errors_total",
			Help: "Push packets dropped as malformed",
		},
	)

	selfHeals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "protect_self_heals_total",
			Help: "Entity refetches scheduled after validation failures",
		},
	)

	eventsCorrelated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protect_events_correlated_total",
			Help: "Events routed through device correlation, by event type",
		},
		[]string{"type"},
	)

	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "protect_ws_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
	)

	patchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protect_patches_sent_total",
			Help: "Coalesced PATCH write-backs issued, by model",
		},
		[]string{"model"},
	)
)
