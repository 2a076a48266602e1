// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that must be reachable
// before jobs are accepted: the worker launcher and the artifact sink.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status    Status  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latencyMs,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type dependency struct {
	name     string
	checker  ReadinessChecker
	required bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	deps    []dependency
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker. The worker launcher is required;
// without it the service is never ready.
func NewChecker(worker ReadinessChecker) *Checker {
	return &Checker{
		deps:    []dependency{{name: "worker", checker: worker, required: true}},
		timeout: 5 * time.Second,
	}
}

// AddOptional registers a dependency whose failure degrades readiness
// without failing it. Must be called before the checker is shared.
func (c *Checker) AddOptional(name string, checker ReadinessChecker) {
	if checker == nil {
		return
	}
	c.deps = append(c.deps, dependency{name: name, checker: checker})
}

// Liveness reports whether the process is alive. It checks nothing external.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks every dependency concurrently. Results are cached for a
// second so probes do not hammer the Docker daemon or the blob store.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Go(func() {
			results[i] = c.check(ctx, dep)
		})
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(c.deps))
	overallStatus := StatusHealthy
	for i, dep := range c.deps {
		checks[dep.name] = results[i]
		if results[i].Status == StatusHealthy {
			continue
		}
		if dep.required {
			overallStatus = StatusUnhealthy
		} else if overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, dep dependency) CheckResult {
	if dep.checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: dep.name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := dep.checker.Ready(ctx)
	result := CheckResult{
		Status:    StatusHealthy,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether traffic should be accepted. A degraded service
// still runs jobs.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// Readiness fails from now on so load balancers stop sending new jobs.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
