package service

import (
	"fmt"
	"sort"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// Registry maps route domain names to their adapters
type Registry struct {
	adapters map[string]port.DomainAdapter
}

// NewRegistry creates a registry over the given adapters
func NewRegistry(adapters ...port.DomainAdapter) *Registry {
	m := make(map[string]port.DomainAdapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get resolves a domain adapter by name
func (r *Registry) Get(name string) (port.DomainAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown domain %q", workflow.ErrValidation, name)
	}
	return a, nil
}

// Names returns the registered domain names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
