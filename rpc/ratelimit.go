package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiter applies a token-bucket limit per originating client address.
type clientLimiter struct {
	rps   float64
	burst int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &clientLimiter{
		rps:      rps,
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) Allow(r *http.Request) bool {
	if c == nil {
		return true
	}
	id := clientID(r)
	c.mu.Lock()
	limiter, ok := c.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.visitors[id] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func clientID(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
