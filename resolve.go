package dynld

import (
	"debug/elf"
	"errors"
	"path/filepath"

	"github.com/sliverarmory/dynld/addrspace"
	"github.com/sliverarmory/dynld/diag"
	"github.com/sliverarmory/dynld/elfobj"
)

// loadOp is the state of one Load call: the modules it created, the byte
// sources still open for them, and the per-call diagnostics. A failed
// operation rolls back exactly this state and nothing else.
type loadOp struct {
	l    *Loader
	d    *diag.Diagnostics
	mode Mode

	newModules []*Module // creation order
	srcs       map[*Module]ByteSource
	tlsMark    *tlsMark // static TLS state before this operation's assignments
}

func (l *Loader) newLoadOp(mode Mode) *loadOp {
	return &loadOp{
		l:    l,
		d:    &diag.Diagnostics{},
		mode: mode,
		srcs: make(map[*Module]ByteSource),
	}
}

func (op *loadOp) isNew(m *Module) bool {
	for _, n := range op.newModules {
		if n == m {
			return true
		}
	}
	return false
}

// resolveClosure resolves the full transitive NEEDED closure breadth-first
// from the root name. Newly created modules are parsed and registered
// (state Parsed) but not yet mapped. Already-resident and in-progress
// modules are linked by reference, which also settles cycles.
func (op *loadOp) resolveClosure(rootName string) (*Module, error) {
	root, ok := op.l.registry.lookup(rootName)
	if !ok {
		var err error
		root, err = op.openModule(rootName, nil)
		if err != nil {
			return nil, err
		}
	}

	queue := []*Module{root}
	visited := map[*Module]bool{root: true}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if !op.isNew(m) {
			// Resident module: its dependency edges already hold references.
			continue
		}
		for _, depName := range m.file.Needed {
			dep, ok := op.l.registry.lookup(depName)
			if !ok {
				var err error
				dep, err = op.openModule(depName, m)
				if err != nil {
					return nil, err
				}
			}
			m.deps = append(m.deps, dep)
			dep.refs++ // dependency edge keep-alive
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return root, nil
}

// openModule locates, opens and parses one module. requester is nil for the
// root; for dependencies it names the immediate parent in failure messages,
// transitive or not.
func (op *loadOp) openModule(name string, requester *Module) (*Module, error) {
	src, err := op.l.resolver.Open(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if requester == nil {
				return nil, op.d.Errorf("%s: %w", name, ErrNotFound)
			}
			return nil, op.d.Errorf("cannot open dependency: %s (needed by %s): %w", name, requester.name, ErrNotFound)
		}
		return nil, op.d.Errorf("open %s: %v", name, err)
	}

	nwarn := len(op.d.Warnings())
	file, err := elfobj.Parse(src, op.d)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	for _, w := range op.d.Warnings()[nwarn:] {
		op.l.debugf("parse %s: %s", name, w)
	}

	if want := op.machine(); want != 0 && file.Machine != want {
		_ = src.Close()
		return nil, op.d.Errorf("foreign platform in %s (provided: %s, expected: %s)", name, file.Machine, want)
	}

	canonical := file.Soname
	if canonical == "" {
		canonical = filepath.Base(name)
	}
	if existing, ok := op.l.registry.lookup(canonical); ok {
		// Requested under a different name but the soname is resident.
		_ = src.Close()
		return existing, nil
	}

	m := &Module{
		name:     canonical,
		file:     file,
		state:    StateParsed,
		noDelete: op.mode&NoDelete != 0,
	}
	op.l.registry.insert(m)
	op.newModules = append(op.newModules, m)
	op.srcs[m] = src
	op.l.debugf("parsed %s (%d segments, %d needed)", canonical, len(file.Segments), len(file.Needed))
	return m, nil
}

// machine returns the operation's required ELF machine: the host's when the
// loader is host-bound, else whatever the first parsed module established.
func (op *loadOp) machine() elf.Machine {
	if op.l.hostMachine != 0 {
		return op.l.hostMachine
	}
	if len(op.newModules) > 0 {
		return op.newModules[0].file.Machine
	}
	if mods := op.l.registry.Modules(); len(mods) > 0 {
		return mods[0].file.Machine
	}
	return 0
}

// mapAll reserves and populates the span of every newly created module. The
// whole span stays writable until relocation finishes; Protect runs last.
func (op *loadOp) mapAll() error {
	for _, m := range op.newModules {
		span, err := addrspace.ComputeLayout(m.file.Segments, op.l.mapper.Pagesize())
		if err != nil {
			return op.d.Errorf("layout %s: %v", m.name, err)
		}
		mapping, err := op.l.mapper.Reserve(span.Size)
		if err != nil {
			return op.d.Errorf("map %s: %v", m.name, err)
		}
		m.mapping = mapping
		m.span = span
		m.bias = mapping.Base() - span.Start

		src := op.srcs[m]
		if err := addrspace.Populate(mapping, span, m.file.Segments, src); err != nil {
			return op.d.Errorf("populate %s: %v", m.name, err)
		}
		_ = src.Close()
		delete(op.srcs, m)
		m.state = StateMapped
		op.l.debugf("mapped %s at %#x (+%#x)", m.name, mapping.Base(), span.Size)
	}
	return nil
}

// protectAll applies final segment permissions to every new module.
func (op *loadOp) protectAll() error {
	for _, m := range op.newModules {
		if err := addrspace.ProtectSegments(m.mapping, m.span, m.file.Segments, op.l.mapper.Pagesize()); err != nil {
			return op.d.Errorf("protect %s: %v", m.name, err)
		}
	}
	return nil
}

// rollback erases every trace of a failed operation: release dependency
// references the new modules took on pre-existing ones, return the static
// TLS space the operation reserved, then unmap and deregister the new
// modules in reverse creation order. Modules resident before this call are
// never touched beyond those reference drops.
func (op *loadOp) rollback() {
	if op.tlsMark != nil {
		op.l.registry.mu.Lock()
		op.l.registry.tls.releaseTo(*op.tlsMark)
		op.l.registry.mu.Unlock()
		op.tlsMark = nil
	}
	for _, m := range op.newModules {
		for _, dep := range m.deps {
			if !op.isNew(dep) {
				dep.refs--
			}
		}
	}
	for i := len(op.newModules) - 1; i >= 0; i-- {
		m := op.newModules[i]
		if src, ok := op.srcs[m]; ok {
			_ = src.Close()
			delete(op.srcs, m)
		}
		if m.mapping != nil {
			_ = m.mapping.Unmap()
			m.mapping = nil
		}
		m.state = StateDead
		op.l.registry.remove(m)
		op.l.debugf("rolled back %s", m.name)
	}
	op.newModules = nil
}
