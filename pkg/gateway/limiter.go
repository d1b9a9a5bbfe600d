package gateway

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiter hands out one token bucket per client address. A zero rate
// disables limiting.
type limiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	clients map[netip.Addr]*clientLimiter
	now     func() time.Time
	swept   time.Time
}

func newLimiter(perSecond float64, burst int, now func() time.Time) *limiter {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &limiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[netip.Addr]*clientLimiter),
		now:     now,
	}
}

func (l *limiter) allow(ip netip.Addr) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.seen = now
	if now.Sub(l.swept) > limiterIdle {
		l.sweep(now)
	}
	return c.lim.AllowN(now, 1)
}

// sweep drops clients idle for longer than limiterIdle. Callers hold mu.
func (l *limiter) sweep(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.seen) > limiterIdle {
			delete(l.clients, ip)
		}
	}
	l.swept = now
}

// retryAfter is the number of seconds a refused client should wait for a token.
func (l *limiter) retryAfter() int {
	if l == nil || l.rate <= 0 {
		return 0
	}
	return max(1, int(math.Ceil(1/float64(l.rate))))
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
