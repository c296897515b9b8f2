// Package ratelimit wraps token buckets for connections and HTTP clients.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled at a fixed rate.
type Limiter struct {
	limiter *rate.Limiter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

type clientEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one Limiter per client key and forgets idle ones.
type ClientLimiters struct {
	limiters        map[string]*clientEntry
	rate            float64
	burst           int
	mu              sync.Mutex
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*clientEntry),
		rate:            perSecond,
		burst:           burst,
		idleTimeout:     10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.limiters[clientID]
	if !ok {
		e = &clientEntry{limiter: NewLimiter(cl.rate, cl.burst)}
		cl.limiters[clientID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow takes one token from clientID's bucket.
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.evictIdle(time.Now())
		}
	}
}

func (cl *ClientLimiters) evictIdle(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, e := range cl.limiters {
		if now.Sub(e.lastSeen) > cl.idleTimeout {
			delete(cl.limiters, id)
		}
	}
}
