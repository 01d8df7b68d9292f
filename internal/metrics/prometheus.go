package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "multicam"

var (
	framesReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_read_total",
		Help:      "Frames pulled from the backend, per source.",
	}, []string{"source"})

	framesDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_delivered_total",
		Help:      "Distinct frames observed by consumers, per source.",
	}, []string{"source"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect cycles started after a broken session, per source.",
	}, []string{"source"})

	sourcesLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sources_lost_total",
		Help:      "Sources permanently given up on after an exhausted connect budget.",
	})

	deliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_latency_seconds",
		Help:      "Capture-to-observation latency of delivered frames.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"source"})
)
