/*
Package log provides structured logging for warrenledger using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

warrenledger's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("consensus")                │          │
	│  │  - WithHeight(height)                       │          │
	│  │  - WithRound(height, round)                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "consensus",                │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "entered new round"            │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF entered new round component=consensus │    │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all warrenledger packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithHeight: Add the block height a log line pertains to
  - WithRound: Add the block height and consensus round a log line pertains to

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating prevotes: round=0 power=200/400"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Block finalized: height=104 hash=0x9ac3..."

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Propose timeout fired (round 2)"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to persist locked value: height=104"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open consensus store: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/warrenledger/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/warrenledger.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("Node started")
	log.Debug("Checking peer connectivity")
	log.Warn("High mempool occupancy detected")
	log.Error("Failed to connect to peer")
	log.Fatal("Cannot start without consensus store") // Exits process

Structured Logging:

	log.Logger.Info().
		Uint64("height", height).
		Int("tx_count", len(txs)).
		Msg("Block proposed")

	log.Logger.Error().
		Err(err).
		Uint64("height", height).
		Msg("Failed to apply block")

Component Loggers:

	// Create component-specific logger
	consensusLog := log.WithComponent("consensus")
	consensusLog.Info().Msg("Entering new round")
	consensusLog.Debug().Uint32("round", round).Msg("Arming propose timeout")

	// Height/round context
	roundLog := log.WithRound(height, round)
	roundLog.Info().Msg("Prevote quorum reached")

Context Logger Helpers:

	// Height-scoped logs
	heightLog := log.WithHeight(104)
	heightLog.Info().Msg("Height started")

	// Height+round-scoped logs
	roundLog := log.WithRound(104, 2)
	roundLog.Info().Msg("Round advanced after timeout")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/cuemby/warrenledger/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("warrenledger starting")

		// Component-specific logging
		consensusLog := log.WithComponent("consensus")
		consensusLog.Info().
			Uint64("height", 1).
			Int("validator_count", 4).
			Msg("Starting height")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "rpc").
			Msg("Failed to connect to peer")

		log.Info("warrenledger stopped")
	}

# Integration Points

This package integrates with:

  - pkg/consensus: Logs round/step transitions and timeout-driven liveness decisions
  - pkg/driver: Logs block proposal, vote dispatch, and crash-recovery restarts
  - pkg/scheduler, pkg/pool: Log through their own component-scoped loggers
  - pkg/rpc: Logs peer connections and network errors
  - pkg/node: Logs genesis initialization

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"driver","height":104,"time":"2024-10-13T10:30:00Z","message":"block finalized"}
	{"level":"info","component":"consensus","height":104,"round":0,"time":"2024-10-13T10:30:01Z","message":"prevote quorum reached"}
	{"level":"error","component":"rpc","time":"2024-10-13T10:30:02Z","error":"connection refused","message":"failed to dial peer"}

Console Format (Development):

	10:30:00 INF block finalized component=driver height=104
	10:30:01 INF prevote quorum reached component=consensus height=104 round=0
	10:30:02 ERR failed to dial peer component=rpc error="connection refused"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Provides stack trace information
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or height/round fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent()/WithHeight()/WithRound() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

warrenledger doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):
	# /etc/logrotate.d/warrenledger
	/var/log/warrenledger/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u warrenledger -f

Docker/Kubernetes:
	# Use container runtime log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"consensus" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="consensus"} |= "error"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "consensus"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:warrenledger component:consensus status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check node process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "failed to dial peer"
  - Description: Peer connectivity issues
  - Action: Check network reachability, TLS configuration

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact private keys, tokens, credentials
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (height, round)

Don't:
  - Log sensitive data (private keys, credentials)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
