package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Seamless scheduler metrics
	SchedulerBlocksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_scheduler_blocks_scheduled_total",
			Help: "Total number of blocks scheduled",
		},
	)

	SchedulerReexecutions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_scheduler_reexecutions_total",
			Help: "Total number of transaction re-executions caused by conflicts",
		},
	)

	SchedulerBlockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrenledger_scheduler_block_duration_seconds",
			Help:    "Time taken to schedule a block in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerMaxRetriesExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_scheduler_max_retries_exceeded_total",
			Help: "Total number of blocks that failed with max retries exceeded",
		},
	)

	// Consensus metrics
	ConsensusHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenledger_consensus_height",
			Help: "Current consensus height",
		},
	)

	ConsensusRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenledger_consensus_round",
			Help: "Current consensus round within the current height",
		},
	)

	ConsensusRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_consensus_rounds_total",
			Help: "Total number of consensus rounds started",
		},
	)

	ConsensusStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrenledger_consensus_step_duration_seconds",
			Help:    "Time spent in each consensus step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Transaction pool metrics
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrenledger_pool_size",
			Help: "Number of transactions currently in the pool",
		},
	)

	PoolRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrenledger_pool_rejected_total",
			Help: "Total number of transactions rejected from the pool by reason",
		},
		[]string{"reason"},
	)

	// Ownership table metrics
	OwnershipContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_ownership_contention_total",
			Help: "Total number of key-ownership conflicts detected between in-flight transactions",
		},
	)

	// RPC transport metrics
	RPCBroadcastFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrenledger_rpc_broadcast_failures_total",
			Help: "Total number of peer broadcast attempts that returned an error",
		},
	)
)

func init() {
	prometheus.MustRegister(SchedulerBlocksScheduled)
	prometheus.MustRegister(SchedulerReexecutions)
	prometheus.MustRegister(SchedulerBlockDuration)
	prometheus.MustRegister(SchedulerMaxRetriesExceededTotal)

	prometheus.MustRegister(ConsensusHeight)
	prometheus.MustRegister(ConsensusRound)
	prometheus.MustRegister(ConsensusRoundsTotal)
	prometheus.MustRegister(ConsensusStepDuration)

	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolRejectedTotal)

	prometheus.MustRegister(OwnershipContentionTotal)
	prometheus.MustRegister(RPCBroadcastFailuresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
