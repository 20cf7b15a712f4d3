package dynld

import (
	"fmt"
	"strings"
)

// Mode is the load-mode bitmask. The numeric values follow the RTLD_*
// constants so callers porting dlopen flags keep their existing values.
type Mode int

const (
	// BindLazy requests lazy PLT binding. Accepted and recorded; binding is
	// performed eagerly regardless (see DESIGN.md).
	BindLazy Mode = 0x1
	// BindNow resolves every relocation before Load returns.
	BindNow Mode = 0x2
	// NoLoad probes for residency only; no byte source is opened and no new
	// mapping is created.
	NoLoad Mode = 0x4
	// DeepBind searches the module's own dependency scope before the global
	// scope.
	DeepBind Mode = 0x8
	// Global adds the module to the global symbol scope.
	Global Mode = 0x100
	// Local keeps the module's symbols out of the global scope. Zero, the
	// default.
	Local Mode = 0
	// NoDelete pins the module: its reference count may reach zero but the
	// mapping is never released.
	NoDelete Mode = 0x1000
)

const validModeBits = BindLazy | BindNow | NoLoad | DeepBind | Global | NoDelete

// validateMode rejects unknown bits and missing binding policy. This check
// strictly precedes any resolver interaction.
func validateMode(mode Mode) error {
	if mode&^validModeBits != 0 {
		return fmt.Errorf("%w: unknown bits %#x", ErrInvalidMode, int(mode&^validModeBits))
	}
	if mode&(BindLazy|BindNow) == 0 {
		return fmt.Errorf("%w: one of BindLazy or BindNow is required", ErrInvalidMode)
	}
	return nil
}

func (m Mode) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	names := []struct {
		bit  Mode
		name string
	}{
		{BindLazy, "BindLazy"},
		{BindNow, "BindNow"},
		{NoLoad, "NoLoad"},
		{DeepBind, "DeepBind"},
		{Global, "Global"},
		{NoDelete, "NoDelete"},
	}
	rest := m
	for _, n := range names {
		if rest&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", int(rest)))
	}
	return strings.Join(parts, "|")
}
