// Package ratelimit bounds how many frames a participant may push through
// the gateway.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Set hands out one Limiter per key. Keying by participant rather than by
// connection means reconnecting does not refill the bucket.
type Set struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	once     sync.Once
}

func NewSet(rate float64, burst int, idleTTL time.Duration) *Set {
	s := &Set{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *Set) Get(key string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}
	limiter := newLimiter(s.rate, s.burst, s.now)
	s.limiters[key] = limiter
	return limiter
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *Set) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Set) cleanup() {
	ticker := time.NewTicker(s.idleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

// evictIdle drops limiters untouched for idleTTL. A limiter idle that long
// has refilled completely, so forgetting it loses nothing.
func (s *Set) evictIdle() {
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, limiter := range s.limiters {
		if limiter.idleSince().Before(cutoff) {
			delete(s.limiters, key)
		}
	}
}
