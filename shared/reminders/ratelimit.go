package reminders

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of sends allowed per second.
	Rate float64
	// Burst is the maximum number of sends allowed at once.
	Burst int
	// JitterMin is the minimum jitter delay in milliseconds.
	JitterMin int
	// JitterMax is the maximum jitter delay in milliseconds.
	JitterMax int
}

// DefaultRateLimiterConfig returns the default configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:      20.0, // Telegram allows ~30 msg/s per bot
		Burst:     30,
		JitterMin: 50,
		JitterMax: 150,
	}
}

// RateLimiter is a token bucket with a random delay before each send.
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = DefaultRateLimiterConfig().Rate
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until a send is allowed or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if jitter := r.getJitter(); jitter > 0 {
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) getJitter() time.Duration {
	if r.config.JitterMax <= r.config.JitterMin {
		return time.Duration(r.config.JitterMin) * time.Millisecond
	}

	r.mu.Lock()
	jitterMs := r.config.JitterMin + r.rng.Intn(r.config.JitterMax-r.config.JitterMin)
	r.mu.Unlock()

	return time.Duration(jitterMs) * time.Millisecond
}
