package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/experiment"
)

// Registry maps crop model names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// FromConfig registers a Hook adapter for every configured crop model.
func FromConfig(cfg *experiment.Config, log *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.ModelNames() {
		mc, _ := cfg.ModelConfig(name)
		timeout, err := cfg.ModelTimeout(name)
		if err != nil {
			return nil, err
		}
		if err := r.Register(NewHook(name, mc, timeout, log)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a. Registering the same name twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a crop model.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Lookup is Get with an ErrNotConfigured error for unknown names.
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	return a, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultHookTimeout bounds generation and parse hooks.
const defaultHookTimeout = 10 * time.Minute
