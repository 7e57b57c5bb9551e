package bls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crosstown_bls_packets_accepted_total",
		Help: "Total number of packets accepted with a fulfillment.",
	})
	packetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crosstown_bls_packets_rejected_total",
		Help: "Total number of packets rejected, partitioned by code.",
	}, []string{"code"})
)
