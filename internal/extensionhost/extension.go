package extensionhost

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hostbridge/cli/internal/hostshim"
	"hostbridge/cli/internal/protocol"
)

// Extension is the contract a loadable extension satisfies.
type Extension interface {
	Activate(ctx context.Context, host hostshim.Host) (API, error)
}

// Deactivator is implemented by extensions that need a shutdown hook.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// API is the object an extension returns from Activate.
type API interface {
	GetState() protocol.ExtensionState
}

type Loader interface {
	Load(ctx context.Context, entry string) (Extension, error)
}

type Factory func() Extension

// Registry resolves extension entries by name. Extensions are compiled in
// and register a factory at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("extensionhost: invalid registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("extensionhost: extension %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Load(_ context.Context, entry string) (Extension, error) {
	r.mu.RLock()
	f, ok := r.factories[entry]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExtensionNotFound, entry)
	}
	ext := f()
	if ext == nil {
		return nil, fmt.Errorf("extensionhost: factory for %q returned nil", entry)
	}
	return ext, nil
}
