package indicators

import (
	"fmt"
	"sync"
	"time"
)

// Reducer folds a window into one indicator value. ok is false while the
// window holds too little data to produce a value.
type Reducer func(w *Window, params map[string]float64) (value float64, ok bool)

// BaseType is a pluggable indicator algorithm. New base types register
// through Registry.Register.
type BaseType struct {
	Name           string
	RequiredParams []string
	RequiredFields []string // tick fields the reducer reads, e.g. "price", "volume"
	Reduce         Reducer

	// MaxWindow reports the retention span a variant of this type needs
	// for the given parameters.
	MaxWindow func(params map[string]float64) time.Duration
}

// Registry holds the known base types. A registry pre-loaded with the
// built-in set is created by NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]BaseType
}

// NewRegistry creates a registry with all built-in base types registered.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]BaseType)}
	registerBuiltins(r)
	registerTrendTypes(r)
	return r
}

// Register adds a base type. Registering a duplicate name is an error.
func (r *Registry) Register(bt BaseType) error {
	if bt.Name == "" {
		return fmt.Errorf("base type has no name")
	}
	if bt.Reduce == nil {
		return fmt.Errorf("base type %s has no reducer", bt.Name)
	}
	if bt.MaxWindow == nil {
		return fmt.Errorf("base type %s has no window function", bt.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[bt.Name]; exists {
		return fmt.Errorf("base type %s already registered", bt.Name)
	}
	r.types[bt.Name] = bt
	return nil
}

// Lookup returns a base type by name.
func (r *Registry) Lookup(name string) (BaseType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bt, ok := r.types[name]
	return bt, ok
}

// Names returns the registered base type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// windowSeconds reads a seconds parameter as a duration, with a fallback.
func windowSeconds(params map[string]float64, key string, fallback time.Duration) time.Duration {
	if v, ok := params[key]; ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}
