// Package health aggregates readiness checks for the ledger core's
// subsystems. The server registers one checker per dependency it
// actually wired (the ledger store always, the database and the
// reconcile timer when configured) and /health reports them together:
// a single failing subsystem marks the whole service unhealthy.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// OK reports a passing check for the named subsystem.
func OK(name string) Status {
	return Status{Name: name, Healthy: true}
}

// Fail reports a failing check with the failure detail.
func Fail(name, detail string) Status {
	return Status{Name: name, Detail: detail}
}

// Checker evaluates one subsystem. Checkers must be cheap: /health
// runs every registered checker on each request.
type Checker func(ctx context.Context) Status

// Registry holds the registered checkers in registration order, so
// the /health payload lists subsystems in the order the server wired
// them.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under a subsystem name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and folds the results: the
// service is healthy only when every subsystem is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
