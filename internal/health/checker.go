// Package health aggregates component health checks for the service.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker is a component that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Status is the result of one component's check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregated result of a full health pass.
type Report struct {
	Healthy   bool              `json:"healthy"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks,omitempty"`
}

// Aggregator runs registered component checks in parallel with a per-check
// timeout and folds them into a single report.
type Aggregator struct {
	service string
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Checker
}

// NewAggregator creates an empty aggregator. A zero timeout defaults to 5s.
func NewAggregator(service, version string, timeout time.Duration) *Aggregator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		service: service,
		version: version,
		timeout: timeout,
		checks:  make(map[string]Checker),
	}
}

// Add registers a component check under the given name. Re-adding a name
// replaces the previous check.
func (a *Aggregator) Add(name string, c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks[name] = c
}

// Check runs every registered check and reports the combined outcome. The
// report is unhealthy if any single check fails.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.RLock()
	checks := make(map[string]Checker, len(a.checks))
	for name, c := range a.checks {
		checks[name] = c
	}
	a.mu.RUnlock()

	report := Report{
		Healthy:   true,
		Service:   a.service,
		Version:   a.version,
		Timestamp: time.Now(),
		Checks:    make(map[string]Status, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, c := range checks {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			st := Status{Name: name, Healthy: true, CheckedAt: time.Now()}
			if err := c.HealthCheck(checkCtx); err != nil {
				st.Healthy = false
				st.Error = err.Error()
			}

			mu.Lock()
			report.Checks[name] = st
			if !st.Healthy {
				report.Healthy = false
			}
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	return report
}
