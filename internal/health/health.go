// Package health runs named periodic checks and rolls them up into one
// overall status, exposed over HTTP alongside metrics. Checks are generic;
// EndpointHealthCheck wires one up for a single Modbus endpoint's
// connectivity.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named health probe.
type Check struct {
	Name      string                                  `json:"name"`
	Status    Status                                  `json:"status"`
	Message   string                                  `json:"message"`
	LastCheck time.Time                                `json:"last_check"`
	CheckFunc func(context.Context) (Status, string) `json:"-"`
	Interval  time.Duration                            `json:"-"`
}

// HealthChecker runs a set of named checks and aggregates their status.
type HealthChecker struct {
	checks map[string]*Check
	mu     sync.RWMutex
}

// NewHealthChecker creates an empty HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]*Check),
	}
}

// RegisterCheck registers a named health check.
func (h *HealthChecker) RegisterCheck(name string, checkFunc func(context.Context) (Status, string), interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = &Check{
		Name:      name,
		Status:    StatusHealthy,
		Message:   "not checked yet",
		LastCheck: time.Time{},
		CheckFunc: checkFunc,
		Interval:  interval,
	}
}

// RunChecks runs every registered check once and returns the results.
func (h *HealthChecker) RunChecks(ctx context.Context) map[string]*Check {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := make(map[string]*Check)

	for name, check := range h.checks {
		status, message := check.CheckFunc(ctx)

		check.Status = status
		check.Message = message
		check.LastCheck = time.Now()

		results[name] = &Check{
			Name:      check.Name,
			Status:    check.Status,
			Message:   check.Message,
			LastCheck: check.LastCheck,
		}
	}

	return results
}

// GetOverallStatus rolls up every check's last-known status: any
// unhealthy check wins, then any degraded check, else healthy.
func (h *HealthChecker) GetOverallStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	hasUnhealthy := false
	hasDegraded := false

	for _, check := range h.checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// GetCheckResults returns a JSON-ready snapshot of overall status and
// every check's last-known result.
func (h *HealthChecker) GetCheckResults() map[string]interface{} {
	status := h.GetOverallStatus()

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]interface{})
	checks := make([]map[string]interface{}, 0, len(h.checks))

	for _, check := range h.checks {
		checks = append(checks, map[string]interface{}{
			"name":       check.Name,
			"status":     check.Status,
			"message":    check.Message,
			"last_check": check.LastCheck,
		})
	}

	results["status"] = status
	results["checks"] = checks
	results["timestamp"] = time.Now()

	return results
}

// StartPeriodicChecks starts one goroutine per registered check, running
// it on its own interval until ctx is cancelled.
func (h *HealthChecker) StartPeriodicChecks(ctx context.Context) {
	h.mu.RLock()
	checks := make([]*Check, 0, len(h.checks))
	for _, check := range h.checks {
		checks = append(checks, check)
	}
	h.mu.RUnlock()

	for _, check := range checks {
		check := check
		go func() {
			ticker := time.NewTicker(check.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					status, message := check.CheckFunc(ctx)

					h.mu.Lock()
					check.Status = status
					check.Message = message
					check.LastCheck = time.Now()
					h.mu.Unlock()
				}
			}
		}()
	}
}

// Common health checks

// EndpointHealthCheck builds a check that reports unhealthy when probe
// (typically a cheap Manager.SubmitOneTimeRead round trip, or a raw dial)
// fails against one Modbus endpoint.
func EndpointHealthCheck(endpointName string, probe func(context.Context) error) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := probe(ctx); err != nil {
			return StatusUnhealthy, fmt.Sprintf("%s: unreachable: %v", endpointName, err)
		}
		return StatusHealthy, fmt.Sprintf("%s: reachable", endpointName)
	}
}

// PoolUtilizationHealthCheck degrades once the fraction of endpoints with
// an open connection crosses a threshold, a signal that a slow slave is
// tying up every borrow slot.
func PoolUtilizationHealthCheck(getUtilization func() (open, total int), degradedAbove float64) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		open, total := getUtilization()
		if total == 0 {
			return StatusHealthy, "no endpoints configured"
		}

		frac := float64(open) / float64(total)
		if frac >= degradedAbove {
			return StatusDegraded, fmt.Sprintf("connection pool utilization high: %d/%d endpoints open", open, total)
		}
		return StatusHealthy, fmt.Sprintf("connection pool utilization normal: %d/%d endpoints open", open, total)
	}
}

// GoroutineHealthCheck degrades once the process's goroutine count
// crosses maxGoroutines, an early sign of a retry storm or leaked
// executor goroutines.
func GoroutineHealthCheck(getCountFunc func() int, maxGoroutines int) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		count := getCountFunc()

		if count >= maxGoroutines {
			return StatusDegraded, fmt.Sprintf("high number of goroutines: %d", count)
		}
		return StatusHealthy, fmt.Sprintf("goroutine count normal: %d", count)
	}
}
