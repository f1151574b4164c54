package main

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimitWindow = 2 * time.Minute
	defaultRateLimitBurst  = 10 // max connect requests per window

	// Bounds the limiter table under a flood of distinct source addresses.
	// The least recently seen address is forgotten first.
	rateLimitTableSize = 1 << 16
)

// connectLimiter enforces per-IP rate limiting on connect requests, which is
// what keeps the tracker from being used for UDP amplification.
type connectLimiter struct {
	limiters *lru.Cache[netip.Addr, *rate.Limiter]
	every    rate.Limit
	burst    int
	mu       sync.Mutex
}

// newConnectLimiter allows burst connects per window from one IP, refilling
// evenly across the window. A non-positive burst disables limiting.
func newConnectLimiter(window time.Duration, burst int) *connectLimiter {
	if burst <= 0 {
		return nil
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	cache, err := lru.New[netip.Addr, *rate.Limiter](rateLimitTableSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &connectLimiter{
		limiters: cache,
		every:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
	}
}

// Allow reports whether a connect from addr may proceed at now.
// A nil limiter allows everything.
func (l *connectLimiter) Allow(addr netip.AddrPort, now time.Time) bool {
	if l == nil {
		return true
	}
	ip := addr.Addr().Unmap()

	l.mu.Lock()
	lim, ok := l.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters.Add(ip, lim)
	}
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (l *connectLimiter) Len() int {
	if l == nil {
		return 0
	}
	return l.limiters.Len()
}
