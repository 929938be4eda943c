/*
Package health implements the Checker interface the teacher used for
container liveness probing, narrowed to the two strategies that make sense
against a ledger node's own network surface: TCPChecker (dial the RPC
listen address) and HTTPChecker (hit an HTTP endpoint, for deployments that
front the node with a sidecar).

	checker := health.NewTCPChecker(cfg.ListenAddress)
	result := checker.Check(ctx)
	if !result.Healthy {
		metrics.UpdateComponent("rpc", false, result.Message)
	}

Status accumulates consecutive successes/failures against a Config's Retries
threshold before flipping Healthy. Update does not consult StartPeriod;
InStartPeriod reports separately whether a Status is still inside a
Config's StartPeriod.
*/
package health
