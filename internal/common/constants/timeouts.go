// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and fixed tuning values that are not exposed as configuration
// because the spec's testable properties pin them to specific numbers.
const (
	// HTTPRequestTimeout is the deadline enforced on every non-streaming
	// request an AgentClient makes to its agent.
	HTTPRequestTimeout = 30 * time.Second

	// HealthPollInterval is the period between /session polls during
	// instance startup.
	HealthPollInterval = 500 * time.Millisecond

	// StopGracePeriod is how long a supervisor waits after SIGTERM before
	// escalating to SIGKILL.
	StopGracePeriod = 5 * time.Second

	// RateLimitCushion is added on top of a surface's advertised retry-after
	// hint before the next edit is attempted.
	RateLimitCushion = 500 * time.Millisecond

	// ReconnectSendTimeout bounds how long the router waits for a
	// newly-reconnected session to accept a forwarded message.
	ReconnectSendTimeout = 30 * time.Second

	// BackoffBase and BackoffCap bound the AgentClient's retry backoff for
	// idempotent requests: 1s, 2s, 4s, capped at 10s.
	BackoffBase = 1 * time.Second
	BackoffCap  = 10 * time.Second
)
