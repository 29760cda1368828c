package connector

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Registry maps protocol identifiers to connector factories. Drivers
// register themselves against a registry the wiring code owns; the core
// never imports a driver.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given protocol identifier. Registering
// an empty name, a nil factory, or a duplicate protocol is a configuration
// error.
func (r *Registry) Register(protocol string, factory Factory) error {
	if protocol == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"connector", "Register", "protocol name required")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"connector", "Register", "nil factory for "+protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[protocol]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: connector %q already registered", errors.ErrInvalidConfig, protocol),
			"connector", "Register", "duplicate registration check")
	}
	r.factories[protocol] = factory
	return nil
}

// New builds a connector for the given protocol from its raw config block.
func (r *Registry) New(protocol string, rawConfig json.RawMessage, deps Deps) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown connector protocol %q (registered: %v)",
				errors.ErrInvalidConfig, protocol, r.Protocols()),
			"connector", "New", "factory lookup")
	}
	return factory(rawConfig, deps)
}

// Protocols lists the registered protocol identifiers, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for protocol := range r.factories {
		out = append(out, protocol)
	}
	sort.Strings(out)
	return out
}
