package health

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/kvgate/internal/backend"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func() Check

// Checker provides health and readiness checking functionality.
type Checker struct {
	version   string
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a health check function.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Readiness runs every check. The result is unhealthy if any check is
// unhealthy and degraded if any is degraded.
func (c *Checker) Readiness() HealthResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Checks:    make(map[string]Check, len(names)),
		Timestamp: time.Now().UTC(),
	}
	for _, name := range names {
		c.mu.RLock()
		fn := c.checks[name]
		c.mu.RUnlock()

		check := fn()
		resp.Checks[name] = check
		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status != StatusUnhealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// Ready reports whether kvgate can route requests.
func (c *Checker) Ready() bool {
	return c.Readiness().Status != StatusUnhealthy
}

// LivenessHandler answers as long as the process is serving.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler answers 503 while any check is unhealthy.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		resp := c.Readiness()
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, resp)
	}
}

// RegisterRoutes registers the probe routes.
func (c *Checker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", c.ReadinessHandler())
	r.GET("/ready", c.ReadinessHandler())
	r.GET("/live", c.LivenessHandler())
}

// Decisions exposes the published routing decision.
type Decisions interface {
	Current() *routing.Decision
}

// RoutingCheck is unhealthy while routing is Unavailable and degraded while
// traffic is diverted away from the primary.
func RoutingCheck(decisions Decisions) CheckFunc {
	return func() Check {
		d := decisions.Current()
		switch d.Mode {
		case routing.ModeUnavailable:
			return Check{Status: StatusUnhealthy, Message: "no eligible backend"}
		case routing.ModeDiverted, routing.ModeRecovering:
			return Check{Status: StatusDegraded, Message: d.Mode.String() + " to " + d.Target}
		default:
			return Check{Status: StatusHealthy, Message: d.Target}
		}
	}
}

// BackendsCheck is degraded while any backend is hard-failed. It never
// reports unhealthy on its own; RoutingCheck decides readiness.
func BackendsCheck(registry *backend.Registry) CheckFunc {
	return func() Check {
		var failed []string
		for _, d := range registry.All() {
			if d.HardFailed() {
				failed = append(failed, d.ID)
			}
		}
		if len(failed) == 0 {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusDegraded, Message: "hard-failed: " + strings.Join(failed, ", ")}
	}
}
