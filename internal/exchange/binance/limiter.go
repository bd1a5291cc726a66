package binance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests and stream redials, backing off adaptively
// after the exchange signals a rate limit
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex

	// Rate limit tracking
	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	// Adaptive backoff
	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
}

// Wait waits for permission to make a request (with context)
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	remaining := l.backoffDuration - time.Since(l.lastRateLimitHit)
	l.mu.RUnlock()

	// Still inside the backoff window of a recent rate limit
	if l.backoffDuration > 0 && remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordRateLimitHit records a rate limit hit and applies adaptive backoff
func (l *RateLimiter) RecordRateLimitHit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rateLimitHits++
	l.lastRateLimitHit = time.Now()

	if l.backoffDuration == 0 {
		l.backoffDuration = time.Second
	} else {
		l.backoffDuration = time.Duration(float64(l.backoffDuration) * l.backoffMultiplier)
		if l.backoffDuration > l.maxBackoff {
			l.backoffDuration = l.maxBackoff
		}
	}
}

// RecordSuccess records a successful request (reduces backoff)
func (l *RateLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++

	if l.backoffDuration > 0 {
		if time.Since(l.lastRateLimitHit) > 5*time.Minute {
			l.backoffDuration = 0
		} else {
			// Reduce backoff by 10% on each success
			l.backoffDuration = time.Duration(float64(l.backoffDuration) * 0.9)
			if l.backoffDuration < time.Second {
				l.backoffDuration = 0
			}
		}
	}
}

// Stats returns rate limiter statistics
func (l *RateLimiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]interface{}{
		"request_count":      l.requestCount,
		"rate_limit_hits":    l.rateLimitHits,
		"last_rate_limit":    l.lastRateLimitHit,
		"current_backoff_ms": l.backoffDuration.Milliseconds(),
	}
}
