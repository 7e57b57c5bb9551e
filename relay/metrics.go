package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crosstown_relay_open_connections",
		Help: "Number of currently open websocket connections.",
	})
	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_relay_events_delivered_total",
		Help: "Total event frames delivered to subscribers.",
	})
	slowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_relay_slow_consumer_closes_total",
		Help: "Connections closed because their send queue overflowed.",
	})
)
