// Package choreography implements per-service saga step listeners
// (spec §4.L): event-driven alternative to the orchestrator in
// saga/orchestrator.go. Each listener owns one step of a saga — it
// reacts to the forward event that starts its step, executes it, and
// either publishes the next forward event or a compensating event for
// the steps that already completed.
package choreography

import "sync"

// Compensation is where a forward event's compensating counterpart is
// registered: the event type to publish and the service that owns it.
type Compensation struct {
	CompensatingEventType string
	Service               string
}

// Registry maps forward-event-type -> Compensation (spec §4.L: "a
// compensation registry that maps forward-event-type ->
// (compensating-event-type, owning-service)"). Its invariant, per
// spec: every forward event participating in a saga has exactly one
// compensation mapping or is terminal (no compensation needed).
type Registry struct {
	mu       sync.RWMutex
	mappings map[string]Compensation
}

// NewRegistry builds an empty compensation registry.
func NewRegistry() *Registry {
	return &Registry{mappings: make(map[string]Compensation)}
}

// Register records forwardEventType's compensating counterpart.
func (r *Registry) Register(forwardEventType string, compensation Compensation) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[forwardEventType] = compensation
	return r
}

// Lookup returns forwardEventType's compensation mapping, if any.
// Absence is valid — it means the event is terminal and needs no
// compensation, per the registry's documented invariant.
func (r *Registry) Lookup(forwardEventType string) (Compensation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.mappings[forwardEventType]
	return c, ok
}
