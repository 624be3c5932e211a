package worker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type workerMetrics struct {
	tokensSent      prometheus.Counter
	tokensReceived  prometheus.Counter
	circuitDuration prometheus.Histogram
}

// newWorkerMetrics registers this rank's counters. The rank is a const
// label so that local runs can register all ranks on one registry.
func newWorkerMetrics(reg prometheus.Registerer, rank int) *workerMetrics {
	constLabels := prometheus.Labels{"rank": strconv.Itoa(rank)}

	return &workerMetrics{
		tokensSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ring_tokens_sent_total",
			Help:        "Tokens forwarded to the next rank.",
			ConstLabels: constLabels,
		}),
		tokensReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ring_tokens_received_total",
			Help:        "Tokens received from the previous rank.",
			ConstLabels: constLabels,
		}),
		circuitDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:        "ring_circuit_duration_seconds",
			Help:        "Time for one full circuit of the token, observed by the coordinator.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.000001, 4, 12),
		}),
	}
}
