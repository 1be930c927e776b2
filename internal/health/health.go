// Package health provides a registry of named subsystem health checkers
// and the HTTP handler that reports them.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTimeout bounds a single Ping check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Ping adapts a connectivity probe such as (*sql.DB).PingContext.
func Ping(name string, timeout time.Duration, ping func(ctx context.Context) error) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Background reports whether a background loop is running.
func Background(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Handler serves the aggregate report: 200 when every checker passes,
// 503 otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"version":   version,
			"checks":    statuses,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
