package dynld

import (
	"fmt"

	"github.com/sliverarmory/dynld/addrspace"
	"github.com/sliverarmory/dynld/elfobj"
)

// ModuleState tracks a module through the load pipeline.
type ModuleState int

const (
	StateParsed ModuleState = iota + 1
	StateMapped
	StateRelocated
	StateReady
	StateDead
)

func (s ModuleState) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateMapped:
		return "mapped"
	case StateRelocated:
		return "relocated"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Module is one loaded shared object. It exclusively owns its mapped span.
// Fields are written only under the owning Loader's load mutex; the exported
// accessors are safe once the module is Ready.
type Module struct {
	id   int
	name string
	file *elfobj.File

	mapping addrspace.Mapping
	span    addrspace.Span
	// bias is the constant added to a module vaddr to get its mapped
	// address: addr = bias + vaddr.
	bias uint64

	deps  []*Module
	state ModuleState
	refs  int

	global   bool
	noDelete bool

	tlsID     int
	tlsOffset int64
}

// ID is the registry-assigned module identity, stable for the module's
// lifetime.
func (m *Module) ID() int { return m.id }

// Name is the canonical name (soname when present, else the requested
// basename) the module is registered under.
func (m *Module) Name() string { return m.name }

// Base returns the mapped address of the span start.
func (m *Module) Base() uint64 { return m.bias + m.span.Start }

// Span returns the module's reserved address range in module vaddr terms.
func (m *Module) Span() addrspace.Span { return m.span }

// State returns the module's pipeline state.
func (m *Module) State() ModuleState { return m.state }

// Needed returns the module's direct dependency sonames as declared.
func (m *Module) Needed() []string {
	return append([]string(nil), m.file.Needed...)
}

// Deps returns the resolved direct dependencies.
func (m *Module) Deps() []*Module {
	return append([]*Module(nil), m.deps...)
}

// TLSModuleID returns the module's TLS module ID, or zero when the module
// has no TLS segment.
func (m *Module) TLSModuleID() int { return m.tlsID }

// InitInfo describes a module's initializer and finalizer entries as mapped
// addresses. Running them is the caller's business.
type InitInfo struct {
	Init        uint64
	Fini        uint64
	InitArray   uint64
	InitArraySz uint64
	FiniArray   uint64
	FiniArraySz uint64
}

// InitInfo returns the module's initializer/finalizer addresses. Zero fields
// mean the module declares no such entry.
func (m *Module) InitInfo() InitInfo {
	ii := InitInfo{
		InitArraySz: m.file.InitArraySz,
		FiniArraySz: m.file.FiniArraySz,
	}
	if m.file.Init != 0 {
		ii.Init = m.addr(m.file.Init)
	}
	if m.file.Fini != 0 {
		ii.Fini = m.addr(m.file.Fini)
	}
	if m.file.InitArray != 0 {
		ii.InitArray = m.addr(m.file.InitArray)
	}
	if m.file.FiniArray != 0 {
		ii.FiniArray = m.addr(m.file.FiniArray)
	}
	return ii
}

// Machine returns the module's ELF machine.
func (m *Module) Machine() string { return m.file.Machine.String() }

// Image returns the module's mapped bytes, indexed by vaddr minus the span
// start, or nil once the mapping is released. Intended for inspection.
func (m *Module) Image() []byte {
	if m.mapping == nil {
		return nil
	}
	return m.mapping.Bytes()
}

// addr maps a module vaddr to its address in the reserved span.
func (m *Module) addr(vaddr uint64) uint64 {
	return m.bias + vaddr
}
