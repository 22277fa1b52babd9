package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter tracks request timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// allow checks if a request is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time, limit int) bool {
	cutoff := now.Add(-IPRateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid
	r.lastSeen = now

	if len(r.timestamps) >= limit {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// ipLimiter keeps one sliding window per client address.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateLimiter
	now     func() time.Time
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{clients: make(map[string]*rateLimiter), now: time.Now}
}

// allow reports whether ip may issue another request. limit <= 0 disables limiting.
func (l *ipLimiter) allow(ip string, limit int) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.clients[ip]
	if !ok {
		rl = &rateLimiter{}
		l.clients[ip] = rl
	}
	return rl.allow(l.now(), limit)
}

// cleanup drops clients idle for longer than IPRateLimitEntryTTL.
func (l *ipLimiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-IPRateLimitEntryTTL)
	n := 0
	for ip, rl := range l.clients {
		if rl.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(IPRateLimitCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
