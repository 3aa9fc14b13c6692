package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricGenerationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_generation_latency_seconds",
		Help:    "End-to-end generation latency per provider model.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})

	metricFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_fragments_total",
		Help: "Total streamed fragments delivered to clients.",
	})

	metricFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_provider_fallbacks_total",
		Help: "Generations that fell through to a lower-priority provider.",
	})

	metricGateRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_gate_rejections_total",
		Help: "Requests refused by the compliance gate.",
	})

	metricLiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_live_connections",
		Help: "Currently open websocket connections.",
	})
)
