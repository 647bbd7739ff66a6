package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginLimiter throttles login attempts per client address. Each client gets
// its own token bucket; idle buckets are dropped after an hour.
type loginLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(max int, window time.Duration) *loginLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &loginLimiter{
		max:     max,
		window:  window,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *loginLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[key]
	if !ok {
		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max),
		}
		l.clients[key] = client
	}
	client.lastSeen = now

	if len(l.clients) > 1024 {
		cutoff := now.Add(-time.Hour)
		for k, c := range l.clients {
			if c.lastSeen.Before(cutoff) {
				delete(l.clients, k)
			}
		}
	}

	return client.limiter.Allow()
}
