package dynld

import (
	"github.com/sliverarmory/dynld/elfobj"
)

// localClosure returns the module's transitive dependency set in
// breadth-first link order, the module itself first. Cycles are visited
// once.
func localClosure(root *Module) []*Module {
	seen := map[*Module]bool{root: true}
	out := []*Module{root}
	for i := 0; i < len(out); i++ {
		for _, dep := range out[i].deps {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

// lookupScope builds the ordered module list searched when resolving the
// requesting module's undefined references: the global scope first, then the
// requester's local closure, deduplicated keeping the first occurrence.
// DeepBind flips the two halves.
func (l *Loader) lookupScope(requester *Module, mode Mode) []*Module {
	local := localClosure(requester)
	global := l.registry.globalScope()

	first, second := global, local
	if mode&DeepBind != 0 {
		first, second = local, global
	}

	seen := make(map[*Module]bool, len(first)+len(second))
	out := make([]*Module, 0, len(first)+len(second))
	for _, list := range [2][]*Module{first, second} {
		for _, m := range list {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// resolveInScope walks the scope in link order and returns the first module
// defining the named symbol. Strict first-match-in-order: interposition is
// decided purely by scope position.
func resolveInScope(scope []*Module, name, version string) (*Module, elfobj.Symbol, bool) {
	for _, m := range scope {
		if sym, _, ok := m.file.LookupExport(name, version); ok {
			return m, sym, true
		}
	}
	return nil, elfobj.Symbol{}, false
}
