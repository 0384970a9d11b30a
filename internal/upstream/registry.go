// Package upstream holds the static registry of routing backends and the
// method-based dispatch policy between them.
package upstream

import (
	"fmt"
	"net/url"
	"sort"

	"routing-proxy-go/internal/config"
)

// Upstream is one named backend HTTP service.
type Upstream struct {
	Name    string
	BaseURL *url.URL
}

// Registry maps logical backend names to their base URLs.
// It is built once at startup and never mutated, so it is safe for
// concurrent reads without locking.
type Registry struct {
	upstreams map[string]Upstream
}

// NewRegistry builds a Registry from the configured upstream table.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{upstreams: make(map[string]Upstream, len(cfg.Upstreams))}
	for name, uc := range cfg.Upstreams {
		u, err := url.Parse(uc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: parse base_url: %w", name, err)
		}
		r.upstreams[name] = Upstream{Name: name, BaseURL: u}
	}
	return r, nil
}

// Lookup returns the upstream registered under name.
func (r *Registry) Lookup(name string) (Upstream, bool) {
	u, ok := r.upstreams[name]
	return u, ok
}

// All returns every registered upstream sorted by name.
func (r *Registry) All() []Upstream {
	out := make([]Upstream, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
