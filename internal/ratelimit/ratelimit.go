package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket.
type Limiter struct {
	bucket *rate.Limiter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

func (l *Limiter) AllowN(n int) bool {
	return l.bucket.AllowN(time.Now(), n)
}

type keyed struct {
	limiter  *Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one Limiter per key (remote IP for upgrades).
// Keys idle for longer than the TTL are dropped by the cleanup loop.
type ClientLimiters struct {
	limiters map[string]*keyed
	rate     float64
	burst    int
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int, ttl time.Duration) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*keyed),
		rate:            perSecond,
		burst:           burst,
		ttl:             ttl,
		now:             time.Now,
		cleanupInterval: time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.limiters[key]
	if !ok {
		entry = &keyed{limiter: NewLimiter(cl.rate, cl.burst)}
		cl.limiters[key] = entry
	}
	entry.lastSeen = cl.now()
	return entry.limiter
}

// Allow is shorthand for Get(key).Allow().
func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).Allow()
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// evictIdle drops every key not seen within the TTL and returns how many went.
func (cl *ClientLimiters) evictIdle() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-cl.ttl)
	evicted := 0
	for key, entry := range cl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(cl.limiters, key)
			evicted++
		}
	}
	return evicted
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle()
		}
	}
}
