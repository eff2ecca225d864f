package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_time_seconds",
		Help:    "Time spent matching a ride to an ambulance.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	reserveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reserve_attempts_total",
		Help: "Reservation attempts grouped by result.",
	}, []string{"result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Rides waiting in the re-dispatch queue.",
	})
)
