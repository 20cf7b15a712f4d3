package dynld

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/dynld/elfobj"
)

// relocFunc applies one relocation record to the module's mapped image.
type relocFunc func(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error

// relocTables drives dispatch by relocation type. A new architecture adds a
// table here; the driving loop never changes.
var relocTables = map[elf.Machine]map[uint32]relocFunc{
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_NONE):     applyNone,
		uint32(elf.R_X86_64_64):       applySymAddr,
		uint32(elf.R_X86_64_GLOB_DAT): applySymAddr,
		uint32(elf.R_X86_64_JMP_SLOT): applySymAddr,
		uint32(elf.R_X86_64_RELATIVE): applyRelative,
		uint32(elf.R_X86_64_DTPMOD64): applyTLSModID,
		uint32(elf.R_X86_64_DTPOFF64): applyTLSBlockOff,
		uint32(elf.R_X86_64_TPOFF64):  applyTLSStaticOff,
		uint32(elf.R_X86_64_COPY):     applyCopyUnsupported,
	},
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_NONE):         applyNone,
		uint32(elf.R_AARCH64_ABS64):        applySymAddr,
		uint32(elf.R_AARCH64_GLOB_DAT):     applySymAddr,
		uint32(elf.R_AARCH64_JUMP_SLOT):    applySymAddr,
		uint32(elf.R_AARCH64_RELATIVE):     applyRelative,
		uint32(elf.R_AARCH64_TLS_DTPMOD64): applyTLSModID,
		uint32(elf.R_AARCH64_TLS_DTPREL64): applyTLSBlockOff,
		uint32(elf.R_AARCH64_TLS_TPREL64):  applyTLSStaticOff,
		uint32(elf.R_AARCH64_COPY):         applyCopyUnsupported,
	},
}

// relocate applies every relocation record of one module, exactly once per
// load. Modules reused from the registry are never re-relocated.
func (op *loadOp) relocate(m *Module, scope []*Module) error {
	table, ok := relocTables[m.file.Machine]
	if !ok {
		return op.d.Errorf("no relocation table for machine %s", m.file.Machine)
	}
	buf := m.mapping.Bytes()
	if buf == nil {
		return op.d.Errorf("relocating unmapped module %s", m.name)
	}
	for _, tab := range [2][]elfobj.Reloc{m.file.Rela, m.file.PLTRela} {
		for _, r := range tab {
			fn, ok := table[r.Type]
			if !ok {
				return op.d.Errorf("%w %d in %s", ErrUnsupportedReloc, r.Type, m.name)
			}
			if err := fn(op, m, scope, buf, r); err != nil {
				return op.d.Error(err)
			}
		}
	}
	m.state = StateRelocated
	return nil
}

func applyNone(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	return nil
}

// applyRelative writes B + A: base bias plus addend, no symbol involved.
func applyRelative(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	return writeWord(mod, buf, r.Off, mod.bias+uint64(r.Addend))
}

// applySymAddr writes S + A for absolute, GOT and PLT slots alike; eager
// binding fills PLT slots at load time.
func applySymAddr(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	def, sym, err := resolveRelocSymbol(mod, scope, r, false)
	if err != nil {
		return err
	}
	var value uint64
	if def != nil {
		value = def.addr(sym.Value)
	}
	return writeWord(mod, buf, r.Off, value+uint64(r.Addend))
}

// applyTLSModID writes the TLS module ID of the defining module.
func applyTLSModID(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	def := mod
	if r.SymIndex != 0 {
		d, _, err := resolveRelocSymbol(mod, scope, r, true)
		if err != nil {
			return err
		}
		if d != nil {
			def = d
		}
	}
	if def.tlsID == 0 {
		return fmt.Errorf("Error relocating %s: module %s has no TLS segment", mod.name, def.name)
	}
	return writeWord(mod, buf, r.Off, uint64(def.tlsID))
}

// applyTLSBlockOff writes the symbol's offset within its module's TLS block.
func applyTLSBlockOff(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	_, sym, err := resolveRelocSymbol(mod, scope, r, true)
	if err != nil {
		return err
	}
	return writeWord(mod, buf, r.Off, sym.Value+uint64(r.Addend))
}

// applyTLSStaticOff writes the thread-pointer-relative offset for symbols in
// the static TLS area.
func applyTLSStaticOff(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	def := mod
	var sym elfobj.Symbol
	if r.SymIndex != 0 {
		d, s, err := resolveRelocSymbol(mod, scope, r, true)
		if err != nil {
			return err
		}
		if d != nil {
			def = d
			sym = s
		}
	}
	if def.tlsID == 0 {
		return fmt.Errorf("Error relocating %s: module %s has no TLS segment", mod.name, def.name)
	}
	return writeWord(mod, buf, r.Off, uint64(def.tlsOffset+int64(sym.Value)+r.Addend))
}

func applyCopyUnsupported(op *loadOp, mod *Module, scope []*Module, buf []byte, r elfobj.Reloc) error {
	return fmt.Errorf("%w: COPY relocation in %s (only position-independent modules are loadable)", ErrUnsupportedReloc, mod.name)
}

// resolveRelocSymbol finds the defining module and symbol for a relocation's
// symbol reference. A nil module with nil error means an undefined weak
// reference resolving to zero. wantTLS enforces the symbol class; a
// mismatch is a resolution failure, never a write of garbage.
func resolveRelocSymbol(mod *Module, scope []*Module, r elfobj.Reloc, wantTLS bool) (*Module, elfobj.Symbol, error) {
	if r.SymIndex == 0 {
		return mod, elfobj.Symbol{}, nil
	}
	ref, ok := mod.file.Symbol(r.SymIndex)
	if !ok {
		return nil, elfobj.Symbol{}, fmt.Errorf("Error relocating %s: symbol index %d out of range", mod.name, r.SymIndex)
	}

	var (
		def    *Module
		defSym elfobj.Symbol
	)
	if ref.Defined() && elf.ST_BIND(ref.Info) == elf.STB_LOCAL {
		def, defSym = mod, ref
	} else {
		version, _ := mod.file.SymbolVersion(r.SymIndex)
		def, defSym, ok = resolveInScope(scope, ref.Name, version)
		if !ok {
			if elf.ST_BIND(ref.Info) == elf.STB_WEAK {
				return nil, elfobj.Symbol{}, nil
			}
			return nil, elfobj.Symbol{}, fmt.Errorf("Error relocating %s: %s: %w", mod.name, ref.Name, ErrSymbolNotFound)
		}
	}

	if wantTLS != defSym.IsTLS() {
		want, got := "TLS", "non-TLS"
		if !wantTLS {
			want, got = "non-TLS", "TLS"
		}
		return nil, elfobj.Symbol{}, fmt.Errorf("Error relocating %s: %s: %s relocation against %s symbol", mod.name, ref.Name, want, got)
	}
	return def, defSym, nil
}

// writeWord patches one 64-bit slot in the mapped image. Two's-complement
// addition with pointer-width truncation is the uint64 arithmetic above.
func writeWord(mod *Module, buf []byte, vaddr, value uint64) error {
	off := vaddr - mod.span.Start
	if off+8 > uint64(len(buf)) || off+8 < off {
		return fmt.Errorf("bad relocation offset %#x in %s", vaddr, mod.name)
	}
	binary.LittleEndian.PutUint64(buf[off:], value)
	return nil
}
