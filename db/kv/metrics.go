package kv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_db_events_stored_total",
		Help: "Total number of events durably written to the store.",
	})
	eventsReplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_db_events_replaced_total",
		Help: "Total number of events removed by the replaceable-event rule.",
	})
	eventsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_db_events_deleted_total",
		Help: "Total number of events removed by deletion requests.",
	})
)
