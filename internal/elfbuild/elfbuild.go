// Package elfbuild emits minimal, valid ELF64 shared objects for tests:
// little-endian ET_DYN images with a chosen soname, NEEDED list, exported
// and imported symbols, RELA relocations and an optional TLS segment.
//
// Images carry two loadable segments: a read-execute segment at vaddr 0
// holding every table, and a read-write data segment at DataVaddr holding
// relocation targets and exported objects. Symbol values and relocation
// offsets are module vaddrs; use DataVaddr to address the data area.
package elfbuild

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// DataVaddr is where the read-write data segment lands.
const DataVaddr = 0x10000

const (
	pageSize = 0x1000
	ehdrSize = 64
	phdrSize = 56
	symSize  = 24
	relaSize = 24
	dynSize  = 16
)

type sym struct {
	name  string
	value uint64
	size  uint64
	undef bool
	weak  bool
	tls   bool
}

type rela struct {
	off    uint64
	typ    uint32
	sym    string
	addend int64
}

type tlsSeg struct {
	filesz uint64
	memsz  uint64
	align  uint64
}

// Builder accumulates the image description. Methods chain.
type Builder struct {
	machine  elf.Machine
	soname   string
	needed   []string
	syms     []sym
	relas    []rela
	pltRelas []rela
	dataSize uint64
	bssSize  uint64
	tls      *tlsSeg
	init     uint64
	fini     uint64
}

func New(machine elf.Machine) *Builder {
	return &Builder{machine: machine, dataSize: 0x400}
}

func (b *Builder) Soname(name string) *Builder {
	b.soname = name
	return b
}

func (b *Builder) Need(names ...string) *Builder {
	b.needed = append(b.needed, names...)
	return b
}

// Export defines a global object symbol at the given module vaddr.
func (b *Builder) Export(name string, value, size uint64) *Builder {
	b.syms = append(b.syms, sym{name: name, value: value, size: size})
	return b
}

// ExportTLS defines a global TLS symbol; value is the offset within the TLS
// segment.
func (b *Builder) ExportTLS(name string, value, size uint64) *Builder {
	b.syms = append(b.syms, sym{name: name, value: value, size: size, tls: true})
	return b
}

// Import declares an undefined global reference.
func (b *Builder) Import(name string) *Builder {
	b.syms = append(b.syms, sym{name: name, undef: true})
	return b
}

// ImportWeak declares an undefined weak reference.
func (b *Builder) ImportWeak(name string) *Builder {
	b.syms = append(b.syms, sym{name: name, undef: true, weak: true})
	return b
}

// Rela adds a relocation record; sym "" references symbol index 0.
func (b *Builder) Rela(off uint64, typ uint32, symName string, addend int64) *Builder {
	b.relas = append(b.relas, rela{off: off, typ: typ, sym: symName, addend: addend})
	return b
}

// RelaPLT adds a PLT (DT_JMPREL) relocation record.
func (b *Builder) RelaPLT(off uint64, typ uint32, symName string, addend int64) *Builder {
	b.pltRelas = append(b.pltRelas, rela{off: off, typ: typ, sym: symName, addend: addend})
	return b
}

// Data sets the data segment's file-backed size (default 0x400).
func (b *Builder) Data(size uint64) *Builder {
	b.dataSize = size
	return b
}

// Bss extends the data segment's memsz past its filesz.
func (b *Builder) Bss(size uint64) *Builder {
	b.bssSize = size
	return b
}

// Init records an initializer entry vaddr (DT_INIT); Fini likewise.
func (b *Builder) Init(vaddr uint64) *Builder {
	b.init = vaddr
	return b
}

func (b *Builder) Fini(vaddr uint64) *Builder {
	b.fini = vaddr
	return b
}

// TLS attaches a PT_TLS segment aliasing the start of the data segment.
func (b *Builder) TLS(filesz, memsz, align uint64) *Builder {
	b.tls = &tlsSeg{filesz: filesz, memsz: memsz, align: align}
	return b
}

// Build emits the image.
func (b *Builder) Build() []byte {
	strtab, strOff := b.buildStrtab()

	nsyms := len(b.syms) + 1 // null entry
	symIndex := make(map[string]uint32, len(b.syms))
	for i, s := range b.syms {
		symIndex[s.name] = uint32(i + 1)
	}

	phnum := 3 // text LOAD, data LOAD, DYNAMIC
	if b.tls != nil {
		phnum++
	}

	// Text-segment layout, every table 8-aligned.
	pos := uint64(ehdrSize + phnum*phdrSize)
	strtabOff := pos
	pos = align8(pos + uint64(len(strtab)))
	symtabOff := pos
	pos += uint64(nsyms * symSize)
	hashOff := pos
	hashSize := uint64(4 * (2 + 1 + nsyms)) // nbucket, nchain, 1 bucket, chains
	pos += hashSize
	relaOff := pos
	pos += uint64(len(b.relas) * relaSize)
	pltOff := pos
	pos += uint64(len(b.pltRelas) * relaSize)
	dynOff := pos
	dynCount := b.dynCount()
	pos += uint64(dynCount * dynSize)
	textEnd := pos
	dataOff := alignUp(textEnd, pageSize)

	out := make([]byte, dataOff+b.dataSize)

	b.putEhdr(out, phnum)
	b.putPhdrs(out, textEnd, dataOff, dynOff, uint64(dynCount*dynSize))
	copy(out[strtabOff:], strtab)
	b.putSymtab(out[symtabOff:], strOff)
	b.putHash(out[hashOff:], nsyms)
	putRelas(out[relaOff:], b.relas, symIndex)
	putRelas(out[pltOff:], b.pltRelas, symIndex)
	b.putDynamic(out[dynOff:], strOff, strtabOff, uint64(len(strtab)), symtabOff,
		hashOff, relaOff, pltOff)
	return out
}

func (b *Builder) buildStrtab() ([]byte, map[string]uint64) {
	strtab := []byte{0}
	off := make(map[string]uint64)
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := off[s]; ok {
			return
		}
		off[s] = uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
	}
	for _, n := range b.needed {
		add(n)
	}
	add(b.soname)
	for _, s := range b.syms {
		add(s.name)
	}
	return strtab, off
}

func (b *Builder) dynCount() int {
	n := len(b.needed) + 5 // HASH, STRTAB, STRSZ, SYMTAB, SYMENT
	if b.soname != "" {
		n++
	}
	if len(b.relas) > 0 {
		n += 3 // RELA, RELASZ, RELAENT
	}
	if len(b.pltRelas) > 0 {
		n += 3 // JMPREL, PLTRELSZ, PLTREL
	}
	if b.init != 0 {
		n++
	}
	if b.fini != 0 {
		n++
	}
	return n + 1 // NULL
}

func (b *Builder) putEhdr(out []byte, phnum int) {
	copy(out, []byte{0x7f, 'E', 'L', 'F'})
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put16(out[16:], uint16(elf.ET_DYN))
	put16(out[18:], uint16(b.machine))
	put32(out[20:], 1) // e_version
	put64(out[32:], ehdrSize)
	put16(out[52:], ehdrSize)
	put16(out[54:], phdrSize)
	put16(out[56:], uint16(phnum))
}

func (b *Builder) putPhdrs(out []byte, textEnd, dataOff, dynOff, dynSz uint64) {
	p := out[ehdrSize:]
	putPhdr(p, elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, 0, textEnd, textEnd, pageSize)
	p = p[phdrSize:]
	putPhdr(p, elf.PT_LOAD, elf.PF_R|elf.PF_W, dataOff, DataVaddr, b.dataSize, b.dataSize+b.bssSize, pageSize)
	p = p[phdrSize:]
	putPhdr(p, elf.PT_DYNAMIC, elf.PF_R, dynOff, dynOff, dynSz, dynSz, 8)
	p = p[phdrSize:]
	if b.tls != nil {
		putPhdr(p, elf.PT_TLS, elf.PF_R, dataOff, DataVaddr, b.tls.filesz, b.tls.memsz, b.tls.align)
	}
}

func putPhdr(p []byte, typ elf.ProgType, flags elf.ProgFlag, off, vaddr, filesz, memsz, align uint64) {
	put32(p[0:], uint32(typ))
	put32(p[4:], uint32(flags))
	put64(p[8:], off)
	put64(p[16:], vaddr)
	put64(p[24:], vaddr)
	put64(p[32:], filesz)
	put64(p[40:], memsz)
	put64(p[48:], align)
}

func (b *Builder) putSymtab(out []byte, strOff map[string]uint64) {
	for i, s := range b.syms {
		p := out[(i+1)*symSize:]
		put32(p[0:], uint32(strOff[s.name]))
		bind := elf.STB_GLOBAL
		if s.weak {
			bind = elf.STB_WEAK
		}
		typ := elf.STT_OBJECT
		if s.tls {
			typ = elf.STT_TLS
		}
		p[4] = byte(bind)<<4 | byte(typ)
		if !s.undef {
			put16(p[6:], 1) // any non-UNDEF section index
			put64(p[8:], s.value)
			put64(p[16:], s.size)
		}
	}
}

// putHash writes a degenerate but valid SysV hash table: one bucket whose
// chain threads every symbol, so lookups always succeed and nchain states
// the symbol count.
func (b *Builder) putHash(out []byte, nsyms int) {
	put32(out[0:], 1)             // nbucket
	put32(out[4:], uint32(nsyms)) // nchain
	if nsyms > 1 {
		put32(out[8:], 1) // bucket 0 -> first symbol
	}
	for i := 1; i < nsyms; i++ {
		next := uint32(i + 1)
		if i == nsyms-1 {
			next = 0
		}
		put32(out[12+4*i:], next)
	}
}

func putRelas(out []byte, relas []rela, symIndex map[string]uint32) {
	for i, r := range relas {
		p := out[i*relaSize:]
		idx := uint32(0)
		if r.sym != "" {
			var ok bool
			if idx, ok = symIndex[r.sym]; !ok {
				panic(fmt.Sprintf("elfbuild: relocation references unknown symbol %q", r.sym))
			}
		}
		put64(p[0:], r.off)
		put64(p[8:], uint64(idx)<<32|uint64(r.typ))
		put64(p[16:], uint64(r.addend))
	}
}

func (b *Builder) putDynamic(out []byte, strOff map[string]uint64,
	strtabOff, strsz, symtabOff, hashOff, relaOff, pltOff uint64) {
	i := 0
	put := func(tag elf.DynTag, val uint64) {
		put64(out[i*dynSize:], uint64(tag))
		put64(out[i*dynSize+8:], val)
		i++
	}
	for _, n := range b.needed {
		put(elf.DT_NEEDED, strOff[n])
	}
	if b.soname != "" {
		put(elf.DT_SONAME, strOff[b.soname])
	}
	put(elf.DT_HASH, hashOff)
	put(elf.DT_STRTAB, strtabOff)
	put(elf.DT_STRSZ, strsz)
	put(elf.DT_SYMTAB, symtabOff)
	put(elf.DT_SYMENT, symSize)
	if len(b.relas) > 0 {
		put(elf.DT_RELA, relaOff)
		put(elf.DT_RELASZ, uint64(len(b.relas)*relaSize))
		put(elf.DT_RELAENT, relaSize)
	}
	if len(b.pltRelas) > 0 {
		put(elf.DT_JMPREL, pltOff)
		put(elf.DT_PLTRELSZ, uint64(len(b.pltRelas)*relaSize))
		put(elf.DT_PLTREL, uint64(elf.DT_RELA))
	}
	if b.init != 0 {
		put(elf.DT_INIT, b.init)
	}
	if b.fini != 0 {
		put(elf.DT_FINI, b.fini)
	}
	put(elf.DT_NULL, 0)
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}

func alignUp(v, a uint64) uint64 {
	return (v + (a - 1)) &^ (a - 1)
}

func put16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func put32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func put64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
