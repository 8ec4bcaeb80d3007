package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// multiLimiter keys token buckets by an arbitrary string (client IP, tag
// id). Idle buckets are pruned on the next allow call after their TTL.
type multiLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*limBucket
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	return &multiLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*limBucket),
	}
}

func (m *multiLimiter) allow(key string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = b
	}
	b.lastSeen = now
	m.prune(now)
	return b.lim.Allow()
}

func (m *multiLimiter) prune(now time.Time) {
	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
}
