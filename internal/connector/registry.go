package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps system ids to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	fallback   Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector for a system id.
// Panics if the system already has a connector.
func (r *Registry) Register(system string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[system]; exists {
		panic("connector already registered: " + system)
	}
	r.connectors[system] = c
}

// SetFallback sets the connector used for systems without their own.
func (r *Registry) SetFallback(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

// Resolve returns the connector for system. When nothing matches the error
// is an unrecoverable *Error wrapping ErrNoConnector.
func (r *Registry) Resolve(system string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.connectors[system]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, Unrecoverable("resolve", system, fmt.Errorf("%w for system %q", ErrNoConnector, system))
}

// Systems returns the registered system ids, sorted.
func (r *Registry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.connectors))
	for s := range r.connectors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
