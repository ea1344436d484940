// Package plugins implements the name-to-factory registries through which
// platforms, tasks, and id generators are discovered. Components register
// themselves at process start; resolving an unknown name reports the names
// that are available.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

// Factory builds a plugin instance from its configuration section.
type Factory[T any] func(cfg map[string]interface{}, logger *zap.Logger) (T, error)

// Registry is a thread-safe name-to-factory map for one plugin category.
type Registry[T any] struct {
	category  string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// NewRegistry creates an empty registry for the given category name.
func NewRegistry[T any](category string) *Registry[T] {
	return &Registry[T]{
		category:  category,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a factory under name. Registering the same name twice is a
// programming error and panics, since it would make resolution ambiguous.
func (r *Registry[T]) Register(name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("%s plugin %q registered twice", r.category, name))
	}
	r.factories[name] = factory
}

// Resolve returns the factory registered under name.
func (r *Registry[T]) Resolve(name string) (Factory[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, &errs.UnknownPluginError{
			Name:      name,
			Category:  r.category,
			Available: r.names(),
		}
	}
	return factory, nil
}

// Build resolves name and invokes the factory in one step.
func (r *Registry[T]) Build(name string, cfg map[string]interface{}, logger *zap.Logger) (T, error) {
	factory, err := r.Resolve(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return factory(cfg, logger)
}

// Names returns the registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry[T]) names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
