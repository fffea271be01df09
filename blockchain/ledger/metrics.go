package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sealedBlocksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blocktree",
		Subsystem: "ledger",
		Name:      "sealed_blocks_total",
		Help:      "Number of blocks sealed and linked into the tree",
	})
	sealingFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blocktree",
		Subsystem: "ledger",
		Name:      "sealing_failures_total",
		Help:      "Number of sealing tasks that failed",
	})
	sealingInFlightMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blocktree",
		Subsystem: "ledger",
		Name:      "sealing_in_flight",
		Help:      "Number of sealing tasks currently running",
	})
	sealingLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blocktree",
		Subsystem: "ledger",
		Name:      "sealing_duration_seconds",
		Help:      "Time spent searching for a nonce",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})
)
