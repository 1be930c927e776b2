// Package ratelimit provides per-client rate limiting middleware.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ActorHeader identifies the calling party; clients without it are keyed by IP.
const ActorHeader = "X-Actor-ID"

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks a token bucket per client key
type Limiter struct {
	cfg     Config
	limit   rate.Limit
	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Clients returns how many clients are currently tracked.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// retryAfter is the whole number of seconds until one token refills.
func (l *Limiter) retryAfter() int {
	secs := int(math.Ceil(60.0 / float64(l.cfg.RequestsPerMinute)))
	if secs < 1 {
		return 1
	}
	return secs
}

// Middleware returns a Gin middleware that rate limits by actor, falling
// back to the client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor := c.GetHeader(ActorHeader); actor != "" {
			key = "actor:" + actor
		}

		if !l.Allow(key) {
			retry := l.retryAfter()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
