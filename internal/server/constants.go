// Package server exposes sessions over REST and streams their events over WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Per-IP command rate limiting (window length; the count comes from config)
	IPRateLimitWindow          = time.Minute
	IPRateLimitCleanupInterval = 5 * time.Minute  // How often to purge stale IP entries
	IPRateLimitEntryTTL        = 10 * time.Minute // TTL for inactive IP entries

	MaxRequestBody   = 1 << 20
	WSWriteTimeout   = 10 * time.Second
	WSSubscriberSize = 64
)
