package workflow

import "time"

// Workflow configuration constants
const (
	// Event history kept per session for incremental reads
	DefaultEventHistory = 200

	// Buffer for live subscribers (WebSocket, CLI)
	SubscriberBuffer = 32

	// Idle sessions are evicted after this long
	DefaultSessionTTL      = 30 * time.Minute
	SessionCleanupInterval = time.Minute

	// Upper bound on concurrently tracked sessions
	DefaultMaxSessions = 1000
)
