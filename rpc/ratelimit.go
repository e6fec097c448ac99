package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig bounds method calls per client source. A zero
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustForwardedFor keys clients by the first X-Forwarded-For hop.
	// Only enable it behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type sourceLimiters struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

func newSourceLimiters(cfg RateLimitConfig) *sourceLimiters {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &sourceLimiters{cfg: cfg, sources: make(map[string]*sourceLimiter)}
}

func (l *sourceLimiters) allow(source string, now time.Time) bool {
	if l == nil {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.sources {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.sources, key)
		}
	}
	entry, ok := l.sources[source]
	if !ok {
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.sources[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *sourceLimiters) clientSource(r *http.Request) string {
	if l != nil && l.cfg.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if candidate := strings.TrimSpace(parts[0]); candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
