// ABOUTME: Registry of services that are not stopped.
// ABOUTME: Used during shutdown to report which consumers still hold a service.

package lifecycle

import (
	"sort"
	"sync"
)

// Registry tracks every service that has left the STOPPED state. A nil
// *Registry is valid and tracks nothing.
type Registry struct {
	mu       sync.Mutex
	services map[*Service]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[*Service]struct{})}
}

// track and untrack are called with s.mu held, so registry membership
// changes in the same critical section as the state it mirrors.
func (r *Registry) track(s *Service) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s] = struct{}{}
}

func (r *Registry) untrack(s *Service) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, s)
}

// Active returns the status of every tracked service, sorted by name.
func (r *Registry) Active() []Status {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	services := make([]*Service, 0, len(r.services))
	for s := range r.services {
		services = append(services, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(services))
	for _, s := range services {
		st := s.status()
		if st.State == StateStopped {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
