// Package health implements the Health Aggregator (C11): parallel,
// timeout-bounded probes of every dependency, rolled up into one status.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the rolled-up health state (spec §4.11).
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const probeTimeout = 5 * time.Second

// Probe checks one dependency. Implementations should respect ctx's
// deadline; the Aggregator imposes probeTimeout regardless.
type Probe func(ctx context.Context) error

// Dependency names a probe for reporting.
type Dependency struct {
	Name string
	Key  string
	Run  Probe
}

// ServiceStatus is one row of the aggregate report.
type ServiceStatus struct {
	Name           string `json:"name"`
	Key            string `json:"key"`
	Status         Status `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Details        string `json:"details,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Report is the Aggregator's output shape (spec §4.11).
type Report struct {
	Status   Status          `json:"status"`
	Healthy  int             `json:"healthy"`
	Total    int             `json:"total"`
	Services []ServiceStatus `json:"services"`
}

// Aggregator runs every registered dependency probe in parallel.
type Aggregator struct {
	deps []Dependency
}

func New(deps ...Dependency) *Aggregator {
	return &Aggregator{deps: deps}
}

// Check runs every dependency's probe with a 5s timeout and rolls up the
// result: healthy iff all healthy, unhealthy iff none healthy, degraded
// otherwise (spec §4.11).
func (a *Aggregator) Check(ctx context.Context) Report {
	results := make([]ServiceStatus, len(a.deps))
	var wg sync.WaitGroup

	for i, dep := range a.deps {
		wg.Add(1)
		go func(i int, dep Dependency) {
			defer wg.Done()
			results[i] = runOne(ctx, dep)
		}(i, dep)
	}
	wg.Wait()

	healthy := 0
	for _, r := range results {
		if r.Status == StatusHealthy {
			healthy++
		}
	}

	var overall Status
	switch {
	case healthy == len(results):
		overall = StatusHealthy
	case healthy == 0:
		overall = StatusUnhealthy
	default:
		overall = StatusDegraded
	}

	return Report{Status: overall, Healthy: healthy, Total: len(results), Services: results}
}

func runOne(ctx context.Context, dep Dependency) ServiceStatus {
	callCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- dep.Run(callCtx) }()
	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return ServiceStatus{Name: dep.Name, Key: dep.Key, Status: StatusUnhealthy, ResponseTimeMs: elapsed, Error: err.Error()}
	}
	return ServiceStatus{Name: dep.Name, Key: dep.Key, Status: StatusHealthy, ResponseTimeMs: elapsed}
}
