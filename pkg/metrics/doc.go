/*
Package metrics defines and registers the Prometheus metrics exposed by a
ledger node: scheduler throughput and latency, consensus height/round/step
timing, transaction pool occupancy and rejections, ownership-table
contention, and RPC broadcast failures.

Metrics are package-level vars registered in init(), following the teacher's
pattern in this same package: declare with prometheus.NewCounter/NewGauge/
NewHistogram(Vec), MustRegister at init, expose via Handler() for an HTTP
mux to serve under /metrics.

A Timer helper times an operation and reports the elapsed seconds to a
histogram:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.SchedulerBlockDuration)

health.go separately exposes /health, /ready, and /live JSON handlers
backed by a small in-process component registry (RegisterComponent/
UpdateComponent), checked against storage, consensus, and rpc as the
critical components cmd/warrenledger's run command registers at startup.
*/
package metrics
