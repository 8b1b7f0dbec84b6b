package provider

import (
	"fmt"
	"sort"
)

// Provider is one delivery endpoint the dispatcher can POST to.
type Provider struct {
	ID     string
	URL    string
	Weight int64
}

// Registry holds the configured providers in a fixed order. Lookups are
// by id; iteration order is lexicographic so selection tie-breaks are
// deterministic across processes.
type Registry struct {
	providers []Provider
	byID      map[string]Provider
}

func NewRegistry(providers []Provider) (*Registry, error) {
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if p.URL == "" {
			return nil, fmt.Errorf("provider %s: empty url", p.ID)
		}
		if p.Weight < 1 {
			return nil, fmt.Errorf("provider %s: weight must be >= 1, got %d", p.ID, p.Weight)
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		byID[p.ID] = p
	}

	ordered := make([]Provider, 0, len(byID))
	for _, p := range byID {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	return &Registry{providers: ordered, byID: byID}, nil
}

func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// IDs returns the provider ids in lexicographic order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.providers))
	for i, p := range r.providers {
		ids[i] = p.ID
	}
	return ids
}

func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

func (r *Registry) Len() int {
	return len(r.providers)
}
