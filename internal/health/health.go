// Package health runs named subsystem probes for readiness reporting.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// probeTimeout bounds each individual check.
const probeTimeout = 2 * time.Second

// Status is the result of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks one subsystem. A nil error means healthy.
type Probe func(ctx context.Context) error

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a named probe. Registering the same name twice
// replaces the earlier probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.names = append(r.names, name)
	}
	r.probes[name] = p
}

// Check runs every probe, each under its own timeout, and reports the
// aggregate plus per-subsystem results in registration order.
func (r *Registry) Check(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Probe, len(r.probes))
	for k, v := range r.probes {
		probes[k] = v
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		s := Status{Name: name, Healthy: true}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		if err := probes[name](pctx); err != nil {
			s.Healthy = false
			s.Detail = err.Error()
			healthy = false
		}
		cancel()
		statuses = append(statuses, s)
	}
	return healthy, statuses
}

// DatabaseProbe probes a SQL database with PingContext.
func DatabaseProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
