package upstream

import (
	"fmt"
	"net/http"

	"routing-proxy-go/internal/config"
)

// Dispatcher selects the upstream for an inbound request.
//
// Only the index provider accepts delegated routing writes, so PUT goes to
// the write upstream. Every other method, including ones this proxy has
// never heard of, goes to the read upstream.
type Dispatcher struct {
	write Upstream
	read  Upstream
}

// NewDispatcher resolves the routed upstream names against the registry.
func NewDispatcher(reg *Registry, cfg *config.Config) (*Dispatcher, error) {
	write, ok := reg.Lookup(cfg.Routing.WriteUpstream)
	if !ok {
		return nil, fmt.Errorf("dispatcher: write upstream %q not registered", cfg.Routing.WriteUpstream)
	}
	read, ok := reg.Lookup(cfg.Routing.ReadUpstream)
	if !ok {
		return nil, fmt.Errorf("dispatcher: read upstream %q not registered", cfg.Routing.ReadUpstream)
	}
	return &Dispatcher{write: write, read: read}, nil
}

// Select returns the upstream that handles method. It never fails.
func (d *Dispatcher) Select(method string) Upstream {
	if method == http.MethodPut {
		return d.write
	}
	return d.read
}

// Write returns the upstream that receives PUT requests.
func (d *Dispatcher) Write() Upstream { return d.write }

// Read returns the upstream that receives every other method.
func (d *Dispatcher) Read() Upstream { return d.read }
