package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message"`
	Latency time.Duration          `json:"latency_ns"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one pass over every registered check.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptime_ns"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	startTime  time.Time
}

// NewHealthMonitor creates a monitor whose checks share timeout.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
		startTime:  time.Now(),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every component check concurrently. A panicking check
// reports its component unhealthy instead of taking the caller down.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{Name: n, Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Panic recovered: %v", r)}
				}
			}()

			start := time.Now()
			health := c(ctx)
			health.Name = n
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	out := SystemHealth{
		Status:    HealthStatusHealthy,
		Uptime:    time.Since(m.startTime),
		CheckedAt: time.Now().UTC(),
	}
	for health := range results {
		out.Components = append(out.Components, health)
		switch health.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		var health ComponentHealth

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = "Database reachable"
		return health
	}
}

// BreakerHealthCheck reports the broker circuit. An open circuit means
// dispatch and reconciliation are stalled until it half-opens.
func BreakerHealthCheck(stats func() CircuitBreakerStats) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		s := stats()
		health := ComponentHealth{
			Details: map[string]interface{}{
				"state":            s.State,
				"total_requests":   s.TotalRequests,
				"total_failures":   s.TotalFailures,
				"total_rejected":   s.TotalRejected,
				"current_failures": s.CurrentFailures,
				"failure_rate":     s.FailureRate(),
			},
		}

		switch s.State {
		case CircuitOpen:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Circuit %s open since %s", s.Name, s.LastStateChange.Format(time.RFC3339))
		case CircuitHalfOpen:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Circuit %s probing", s.Name)
		default:
			health.Status = HealthStatusHealthy
			health.Message = fmt.Sprintf("Circuit %s closed", s.Name)
		}
		return health
	}
}

// FreshnessHealthCheck degrades when last() is older than maxAge. A zero
// time means the component has not completed its first pass.
func FreshnessHealthCheck(what string, last func() time.Time, maxAge time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		at := last()
		health := ComponentHealth{Details: map[string]interface{}{"last": at}}

		switch {
		case at.IsZero():
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("No %s yet", what)
		case time.Since(at) > maxAge:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Last %s %v ago", what, time.Since(at).Round(time.Second))
		default:
			health.Status = HealthStatusHealthy
			health.Message = fmt.Sprintf("Last %s %v ago", what, time.Since(at).Round(time.Second))
		}
		return health
	}
}
