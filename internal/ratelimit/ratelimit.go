// Package ratelimit provides per-client request throttling for the API.
//
// This is the coarse outer limiter keyed by client IP. The per-user
// turn pacing lives in the ledger's conditional update and is enforced
// there regardless of what this middleware lets through.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures the limiter.
type Config struct {
	// RequestsPerMinute is the sustained request rate allowed per client.
	RequestsPerMinute int
	// Burst is how far above the sustained rate a client may briefly go.
	Burst int
	// SweepInterval controls how often idle client buckets are dropped.
	SweepInterval time.Duration
}

// DefaultConfig allows 120 requests per minute with a burst of 20.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Burst:             20,
		SweepInterval:     time.Minute,
	}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter is a token-bucket limiter keyed by an opaque client key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	once    sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its background sweep.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// Close stops the background sweep. Safe to call more than once.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.cfg.SweepInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Allow reports whether a request under the given key may proceed,
// consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens: float64(l.cfg.Burst) - 1,
			seen:   now,
		}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles requests by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
