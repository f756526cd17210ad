package mesh

import "sort"

// DefaultProvider is used when the caller does not pick one.
const DefaultProvider = "meshy"

// Registry holds the configured backends keyed by name. The orchestrator is
// generic over Provider and never branches on backend identity outside this
// package.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given backends.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Provider, bool) {
	if name == "" {
		name = DefaultProvider
	}
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the configured backends in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
