package dynld

import (
	"debug/elf"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sliverarmory/dynld/addrspace"
	"github.com/sliverarmory/dynld/elfobj"
)

// Loader resolves, maps, relocates and binds shared objects into address
// space. Load requests are serialized on the loader mutex; lookups and
// unloads share it, so a handle observed Ready stays consistent.
type Loader struct {
	mu          sync.Mutex
	registry    *Registry
	resolver    Resolver
	mapper      addrspace.Mapper
	hostMachine elf.Machine
	debug       bool
}

// Options configure a Loader. Registry and Mapper default to a fresh
// registry and the in-memory mapper; Resolver is required.
type Options struct {
	Registry *Registry
	Resolver Resolver
	Mapper   addrspace.Mapper
	// RequireHostArch refuses modules whose machine differs from the
	// running process. Mandatory when the mapper places images in the live
	// address space.
	RequireHostArch bool
	// Debug traces pipeline progress through the standard logger.
	Debug bool
}

func NewLoader(opts Options) (*Loader, error) {
	if opts.Resolver == nil {
		return nil, errors.New("dynld: a Resolver is required")
	}
	l := &Loader{
		registry: opts.Registry,
		resolver: opts.Resolver,
		mapper:   opts.Mapper,
		debug:    opts.Debug,
	}
	if l.registry == nil {
		l.registry = NewRegistry()
	}
	if l.mapper == nil {
		l.mapper = addrspace.NewMemMapper()
	}
	if opts.RequireHostArch {
		machine, err := elfobj.HostMachine()
		if err != nil {
			return nil, fmt.Errorf("dynld: %w", err)
		}
		l.hostMachine = machine
	}
	return l, nil
}

// Registry returns the loader's module registry.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// Load resolves the named module and its transitive dependencies, maps and
// relocates every newly required module, and returns a handle. On failure
// every module created by this call is unmapped and deregistered; no
// partial handle is ever returned.
func (l *Loader) Load(name string, mode Mode) (*Module, error) {
	if err := validateMode(mode); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if mode&NoLoad != 0 {
		m, ok := l.registry.lookup(name)
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrNotResident)
		}
		m.refs++
		if mode&Global != 0 {
			m.global = true
		}
		if mode&NoDelete != 0 {
			m.noDelete = true
		}
		return m, nil
	}

	op := l.newLoadOp(mode)
	root, err := op.resolveClosure(name)
	if err != nil {
		op.rollback()
		return nil, err
	}

	if len(op.newModules) == 0 {
		// Fully resident: same identity, one more reference, no new
		// mapping and no relocation re-application.
		root.refs++
		if mode&Global != 0 {
			root.global = true
		}
		if mode&NoDelete != 0 {
			root.noDelete = true
		}
		l.debugf("reusing resident %s (refs=%d)", root.name, root.refs)
		return root, nil
	}

	if err := op.mapAll(); err != nil {
		op.rollback()
		return nil, err
	}
	if err := op.assignTLS(); err != nil {
		op.rollback()
		return nil, err
	}
	for _, m := range op.newModules {
		scope := l.lookupScope(m, mode)
		if err := op.relocate(m, scope); err != nil {
			op.rollback()
			return nil, err
		}
	}
	if err := op.protectAll(); err != nil {
		op.rollback()
		return nil, err
	}

	for _, m := range op.newModules {
		m.state = StateReady
	}
	root.refs++
	if mode&Global != 0 {
		root.global = true
	}
	l.debugf("loaded %s (%d new modules, mode %s)", root.name, len(op.newModules), mode)
	return root, nil
}

// Lookup resolves a symbol through the module's own dependency scope, for
// introspection and debugging by hosts.
func (l *Loader) Lookup(m *Module, symbol string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m == nil || m.state == StateDead {
		return 0, ErrUnloaded
	}
	def, sym, ok := resolveInScope(localClosure(m), symbol, "")
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	if sym.IsTLS() {
		return 0, fmt.Errorf("%s: TLS symbol has no process-wide address", symbol)
	}
	return def.addr(sym.Value), nil
}

// Unload drops one reference. A module that becomes unreferenced is
// unmapped and deregistered unless it was pinned (NoDelete, or it holds
// static TLS); its now-unreferenced dependencies are reaped the same way.
func (l *Loader) Unload(m *Module) error {
	if m == nil {
		return errors.New("dynld: nil module handle")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m.state == StateDead {
		return ErrUnloaded
	}
	if m.refs <= 0 {
		return fmt.Errorf("dynld: unbalanced unload of %s", m.name)
	}
	m.refs--
	l.reap(m)
	return nil
}

func (l *Loader) reap(m *Module) {
	if m.refs > 0 || m.noDelete || m.state == StateDead {
		return
	}
	m.state = StateDead
	l.registry.remove(m)
	deps := m.deps
	m.deps = nil
	for _, dep := range deps {
		dep.refs--
	}
	if m.mapping != nil {
		_ = m.mapping.Unmap()
		m.mapping = nil
	}
	l.debugf("unmapped %s", m.name)
	for _, dep := range deps {
		l.reap(dep)
	}
}

func (l *Loader) debugf(format string, args ...any) {
	if l.debug {
		log.Printf("dynld: "+format, args...)
	}
}
