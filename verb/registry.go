// Package verb maps verb names to the handlers that execute them against a world.
//
// Handlers are plain functions taking the undecoded params and the world they operate on; no
// handler reaches state any other way. A Registry is filled during setup and frozen when the
// server starts, after which it is only read.
package verb

import (
	"encoding/json"
	"errors"
	"fmt"
	"remotectl/world"
	"sort"
	"sync"
)

var (
	ErrFrozen    = errors.New("verb registry is frozen")
	ErrDuplicate = errors.New("verb already registered")
)

// Handler executes one verb. The returned value must encode to a JSON object; its fields are
// merged into the response envelope.
type Handler func(params json.RawMessage, w *world.World) (any, error)

// Registry is the name -> handler table. Names are matched exactly (case-sensitive).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry creates a registry holding the built-in verbs.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(fmt.Sprintf("verb: registering builtins: %v", err))
	}
	return r
}

// Register adds a verb. Names cannot be replaced or removed once registered.
func (r *Registry) Register(name string, handler Handler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("verb: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registering %q: %w", name, ErrFrozen)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("registering %q: %w", name, ErrDuplicate)
	}
	r.handlers[name] = handler
	return nil
}

// Freeze stops further registration. Calling it more than once is harmless.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup finds the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names lists the registered verbs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
