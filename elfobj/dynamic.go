package elfobj

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/dynld/diag"
)

// dynInfo is the raw tag sweep over the PT_DYNAMIC segment before any
// derived table is materialized.
type dynInfo struct {
	needed    []uint64 // strtab offsets
	soname    uint64
	hasSoname bool

	strtab uint64
	strsz  uint64
	symtab uint64
	syment uint64

	hash    uint64
	gnuHash uint64

	rela    uint64
	relasz  uint64
	relaent uint64

	jmprel   uint64
	pltrelsz uint64
	pltrel   uint64
	pltgot   uint64

	rel uint64

	versym     uint64
	verneed    uint64
	verneednum uint64
	verdef     uint64
	verdefnum  uint64
}

func (f *File) parseDynamic(src ByteSource, dyn progHeader, d *diag.Diagnostics) error {
	if dyn.filesz == 0 || dyn.filesz%dynSize != 0 {
		return d.Errorf("%w: dynamic segment size %d", ErrMalformed, dyn.filesz)
	}
	raw, err := f.readVaddr(src, dyn.vaddr, dyn.filesz)
	if err != nil {
		return d.Error(err)
	}

	var info dynInfo
	for off := uint64(0); off+dynSize <= uint64(len(raw)); off += dynSize {
		tag := elf.DynTag(le64(raw[off:]))
		val := le64(raw[off+8:])
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_NEEDED:
			info.needed = append(info.needed, val)
		case elf.DT_SONAME:
			info.soname, info.hasSoname = val, true
		case elf.DT_STRTAB:
			info.strtab = val
		case elf.DT_STRSZ:
			info.strsz = val
		case elf.DT_SYMTAB:
			info.symtab = val
		case elf.DT_SYMENT:
			info.syment = val
		case elf.DT_HASH:
			info.hash = val
		case elf.DT_GNU_HASH:
			info.gnuHash = val
		case elf.DT_RELA:
			info.rela = val
		case elf.DT_RELASZ:
			info.relasz = val
		case elf.DT_RELAENT:
			info.relaent = val
		case elf.DT_JMPREL:
			info.jmprel = val
		case elf.DT_PLTRELSZ:
			info.pltrelsz = val
		case elf.DT_PLTREL:
			info.pltrel = val
		case elf.DT_PLTGOT:
			info.pltgot = val
		case elf.DT_REL:
			info.rel = val
		case elf.DT_INIT:
			f.Init = val
		case elf.DT_FINI:
			f.Fini = val
		case elf.DT_INIT_ARRAY:
			f.InitArray = val
		case elf.DT_INIT_ARRAYSZ:
			f.InitArraySz = val
		case elf.DT_FINI_ARRAY:
			f.FiniArray = val
		case elf.DT_FINI_ARRAYSZ:
			f.FiniArraySz = val
		case elf.DT_FLAGS:
			f.Flags = val
		case elf.DT_FLAGS_1:
			f.Flags1 = val
		case elf.DT_VERSYM:
			info.versym = val
		case elf.DT_VERNEED:
			info.verneed = val
		case elf.DT_VERNEEDNUM:
			info.verneednum = val
		case elf.DT_VERDEF:
			info.verdef = val
		case elf.DT_VERDEFNUM:
			info.verdefnum = val
		case elf.DT_DEBUG, elf.DT_TEXTREL, elf.DT_BIND_NOW, elf.DT_RELCOUNT,
			elf.DT_RELACOUNT, elf.DT_RUNPATH, elf.DT_RPATH, elf.DT_SYMBOLIC:
			// recognized, no table to build
		default:
			if tag >= elf.DT_LOOS {
				continue
			}
			d.Warningf("ignoring dynamic tag %s", tag)
		}
	}

	if info.strtab == 0 || info.strsz == 0 {
		return d.Errorf("%w: missing string table", ErrMalformed)
	}
	if f.strs, err = f.readVaddr(src, info.strtab, info.strsz); err != nil {
		return d.Error(err)
	}
	if info.symtab == 0 {
		return d.Errorf("%w: missing symbol table", ErrMalformed)
	}
	if info.syment != symSize {
		return d.Errorf("%w: symbol entry size %d", ErrMalformed, info.syment)
	}
	if info.rel != 0 {
		// REL relocations carry implicit addends; skipping them would corrupt
		// the image at every affected site.
		return d.Errorf("%w: REL-format relocations are not supported", ErrMalformed)
	}

	if err := f.parseSymbols(src, info, d); err != nil {
		return err
	}

	for _, off := range info.needed {
		name, ok := f.str(off)
		if !ok {
			return d.Errorf("%w: NEEDED name offset %d outside string table", ErrMalformed, off)
		}
		f.Needed = append(f.Needed, name)
	}
	if info.hasSoname {
		name, ok := f.str(info.soname)
		if !ok {
			return d.Errorf("%w: SONAME offset %d outside string table", ErrMalformed, info.soname)
		}
		f.Soname = name
	}

	if info.rela != 0 {
		if info.relaent != 0 && info.relaent != relaSize {
			return d.Errorf("%w: RELA entry size %d", ErrMalformed, info.relaent)
		}
		if f.Rela, err = f.readRelaTable(src, info.rela, info.relasz); err != nil {
			return d.Error(err)
		}
	}
	if info.jmprel != 0 {
		if info.pltrel != uint64(elf.DT_RELA) {
			return d.Errorf("%w: PLTREL format %d is not RELA", ErrMalformed, info.pltrel)
		}
		if f.PLTRela, err = f.readRelaTable(src, info.jmprel, info.pltrelsz); err != nil {
			return d.Error(err)
		}
	}
	f.PLTGot = info.pltgot

	f.parseVersions(src, info, d)
	return nil
}

func (f *File) readRelaTable(src ByteSource, vaddr, size uint64) ([]Reloc, error) {
	if size%relaSize != 0 {
		return nil, fmt.Errorf("%w: relocation table size %d", ErrMalformed, size)
	}
	raw, err := f.readVaddr(src, vaddr, size)
	if err != nil {
		return nil, err
	}
	out := make([]Reloc, 0, size/relaSize)
	for off := uint64(0); off+relaSize <= uint64(len(raw)); off += relaSize {
		rinfo := le64(raw[off+8:])
		out = append(out, Reloc{
			Off:      le64(raw[off:]),
			Type:     elf.R_TYPE64(rinfo),
			SymIndex: elf.R_SYM64(rinfo),
			Addend:   int64(le64(raw[off+16:])),
		})
	}
	return out, nil
}

// str reads a NUL-terminated string at the given string-table offset.
func (f *File) str(off uint64) (string, bool) {
	if off >= uint64(len(f.strs)) {
		return "", false
	}
	end := off
	for end < uint64(len(f.strs)) && f.strs[end] != 0 {
		end++
	}
	if end == uint64(len(f.strs)) {
		return "", false
	}
	return string(f.strs[off:end]), true
}
