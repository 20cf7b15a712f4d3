package dynld

import (
	"sync"
)

// Registry is the table of resident modules, keyed by canonical name. It is
// explicitly constructed and injected into a Loader so isolated registries
// can coexist (one per test, one per sandboxed host, and so on).
//
// The registry mutex guards table structure and reference counts; it is
// never held across blocking I/O. Load pipelines are serialized by the
// owning Loader, which is the only writer.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	order   []*Module
	nextID  int
	tls     staticTLS
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*Module),
		nextID:  1,
	}
}

func (r *Registry) lookup(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// insert registers a newly created module and assigns its identity. The name
// must be free; soname uniqueness within the registry is an invariant.
func (r *Registry) insert(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.id = r.nextID
	r.nextID++
	r.modules[m.name] = m
	r.order = append(r.order, m)
}

// remove releases a module's name and drops it from the load order.
func (r *Registry) remove(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules[m.name] == m {
		delete(r.modules, m.name)
	}
	for i, other := range r.order {
		if other == m {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Modules returns a snapshot of resident modules in load order.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Module(nil), r.order...)
}

// globalScope returns the resident modules promoted to the global symbol
// scope, in load order. Link order is established at resolution time and
// never reordered by later loads.
func (r *Registry) globalScope() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Module
	for _, m := range r.order {
		if m.global {
			out = append(out, m)
		}
	}
	return out
}

// StaticTLSLayout returns the accumulated static TLS block layout that
// thread-creation logic sizes thread control blocks from.
func (r *Registry) StaticTLSLayout() TLSLayout {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tls.layout()
}
