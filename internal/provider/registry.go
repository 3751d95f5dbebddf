package provider

import (
	"fmt"
	"slices"

	"github.com/iago/genjobs-back/internal/domain"
)

// Registry is the closed set of adapters the service was configured with.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		registry.adapters[adapter.Name()] = adapter
	}
	return registry
}

func (r *Registry) Get(name domain.Provider) (Adapter, error) {
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownProvider)
	}
	return adapter, nil
}

// Resolve returns the adapter for name after checking it generates kind.
func (r *Registry) Resolve(name domain.Provider, kind domain.JobKind) (Adapter, error) {
	adapter, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !adapter.Traits().Supports(kind) {
		return nil, unsupportedKind(name, kind)
	}
	return adapter, nil
}

// Pollable lists providers whose jobs are advanced by polling, sorted by name.
func (r *Registry) Pollable() []domain.Provider {
	providers := make([]domain.Provider, 0, len(r.adapters))
	for name, adapter := range r.adapters {
		if adapter.Traits().Pollable {
			providers = append(providers, name)
		}
	}
	slices.Sort(providers)
	return providers
}

func (r *Registry) Providers() []domain.Provider {
	providers := make([]domain.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		providers = append(providers, name)
	}
	slices.Sort(providers)
	return providers
}
