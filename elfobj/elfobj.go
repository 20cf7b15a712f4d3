// Package elfobj parses ELF shared objects into an in-memory descriptor the
// loader can work from: validated headers, loadable segments, the decoded
// dynamic section, and string/symbol table views with hash-accelerated lookup.
//
// Parsing only reads from the supplied byte source. It never maps memory;
// that is the address-space mapper's job.
package elfobj

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/sliverarmory/dynld/diag"
)

// ErrMalformed tags every structural defect detected while parsing.
var ErrMalformed = errors.New("invalid ELF image")

// ByteSource is the random-access view of a candidate module. File, VMO and
// in-memory buffer backends all reduce to this.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Segment is one PT_LOAD program header, in ascending vaddr order.
type Segment struct {
	Vaddr  uint64
	Off    uint64
	Filesz uint64
	Memsz  uint64
	Flags  elf.ProgFlag
	Align  uint64
}

// TLSInfo describes the PT_TLS segment, when present.
type TLSInfo struct {
	Present bool
	Vaddr   uint64
	Filesz  uint64
	Memsz   uint64
	Align   uint64
}

// Symbol is a decoded dynamic-symbol-table entry with its name resolved.
type Symbol struct {
	Name  string
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

// Defined reports whether the symbol provides a definition (is not an
// undefined reference).
func (s Symbol) Defined() bool {
	return s.Shndx != uint16(elf.SHN_UNDEF)
}

// IsTLS reports whether the symbol lives in thread-local storage.
func (s Symbol) IsTLS() bool {
	return elf.ST_TYPE(s.Info) == elf.STT_TLS
}

// Reloc is one RELA entry.
type Reloc struct {
	Off      uint64
	Type     uint32
	SymIndex uint32
	Addend   int64
}

// File is the validated descriptor of one parsed module.
type File struct {
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64

	Segments []Segment
	TLS      TLSInfo

	Soname string
	Needed []string

	Rela    []Reloc
	PLTRela []Reloc
	PLTGot  uint64

	Init        uint64
	Fini        uint64
	InitArray   uint64
	InitArraySz uint64
	FiniArray   uint64
	FiniArraySz uint64

	Flags  uint64
	Flags1 uint64

	syms     []Symbol
	strs     []byte
	gnu      *gnuHashTable
	sysv     *sysvHashTable
	versym   []uint16
	vernames map[uint16]string
}

const (
	ehdrSize = 64
	phdrSize = 56
	dynSize  = 16
	symSize  = 24
	relaSize = 24
)

// HostMachine returns the ELF machine value for the running process, for
// callers that refuse to map foreign images.
func HostMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	default:
		return elf.EM_NONE, fmt.Errorf("unsupported host architecture: %s", runtime.GOARCH)
	}
}

// Parse validates and decodes a module. Every defect is recorded on d; the
// returned error is the first fatal one, with a nil File.
func Parse(src ByteSource, d *diag.Diagnostics) (*File, error) {
	if src == nil {
		return nil, d.Errorf("%w: nil byte source", ErrMalformed)
	}
	if src.Size() < ehdrSize {
		return nil, d.Errorf("%w: truncated header (%d bytes)", ErrMalformed, src.Size())
	}

	var ehdr [ehdrSize]byte
	if _, err := src.ReadAt(ehdr[:], 0); err != nil {
		return nil, d.Errorf("%w: read header: %v", ErrMalformed, err)
	}
	if ehdr[0] != 0x7f || ehdr[1] != 'E' || ehdr[2] != 'L' || ehdr[3] != 'F' {
		return nil, d.Errorf("%w: bad magic %x", ErrMalformed, ehdr[:4])
	}
	if c := elf.Class(ehdr[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return nil, d.Errorf("%w: unsupported class %s", ErrMalformed, c)
	}
	if enc := elf.Data(ehdr[elf.EI_DATA]); enc != elf.ELFDATA2LSB {
		return nil, d.Errorf("%w: unsupported data encoding %s", ErrMalformed, enc)
	}
	if v := elf.Version(ehdr[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, d.Errorf("%w: unsupported version %d", ErrMalformed, int(v))
	}

	f := &File{
		Type:    elf.Type(le16(ehdr[16:])),
		Machine: elf.Machine(le16(ehdr[18:])),
		Entry:   le64(ehdr[24:]),
	}
	switch f.Machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return nil, d.Errorf("%w: unsupported machine %s", ErrMalformed, f.Machine)
	}
	switch f.Type {
	case elf.ET_DYN, elf.ET_EXEC:
	default:
		return nil, d.Errorf("%w: unsupported type %s", ErrMalformed, f.Type)
	}

	phoff := le64(ehdr[32:])
	phentsize := le16(ehdr[54:])
	phnum := le16(ehdr[56:])
	if phentsize != phdrSize {
		return nil, d.Errorf("%w: program header entry size %d", ErrMalformed, phentsize)
	}
	if phnum == 0 {
		return nil, d.Errorf("%w: empty program header table", ErrMalformed)
	}
	phend := phoff + uint64(phnum)*phdrSize
	if phend < phoff || phend > uint64(src.Size()) {
		return nil, d.Errorf("%w: program header table out of bounds", ErrMalformed)
	}

	var dynamic *progHeader
	for i := 0; i < int(phnum); i++ {
		var raw [phdrSize]byte
		if _, err := src.ReadAt(raw[:], int64(phoff)+int64(i)*phdrSize); err != nil {
			return nil, d.Errorf("%w: read program header %d: %v", ErrMalformed, i, err)
		}
		ph := decodePhdr(raw[:])
		switch ph.typ {
		case elf.PT_LOAD:
			if ph.filesz > ph.memsz {
				return nil, d.Errorf("%w: segment %d filesz %d exceeds memsz %d", ErrMalformed, i, ph.filesz, ph.memsz)
			}
			if ph.off+ph.filesz < ph.off || ph.off+ph.filesz > uint64(src.Size()) {
				return nil, d.Errorf("%w: segment %d file range out of bounds", ErrMalformed, i)
			}
			f.Segments = append(f.Segments, Segment{
				Vaddr:  ph.vaddr,
				Off:    ph.off,
				Filesz: ph.filesz,
				Memsz:  ph.memsz,
				Flags:  ph.flags,
				Align:  ph.align,
			})
		case elf.PT_DYNAMIC:
			p := ph
			dynamic = &p
		case elf.PT_TLS:
			f.TLS = TLSInfo{Present: true, Vaddr: ph.vaddr, Filesz: ph.filesz, Memsz: ph.memsz, Align: ph.align}
		case elf.PT_INTERP, elf.PT_NOTE, elf.PT_PHDR, elf.PT_GNU_EH_FRAME, elf.PT_GNU_STACK, elf.PT_GNU_RELRO:
			// not the loader's concern
		default:
			if ph.typ >= elf.PT_LOOS {
				continue
			}
			d.Warningf("ignoring program header type %s", ph.typ)
		}
	}
	if len(f.Segments) == 0 {
		return nil, d.Errorf("%w: no loadable segments", ErrMalformed)
	}
	sort.Slice(f.Segments, func(i, j int) bool { return f.Segments[i].Vaddr < f.Segments[j].Vaddr })
	for i := 1; i < len(f.Segments); i++ {
		prev := f.Segments[i-1]
		if prev.Vaddr+prev.Memsz > f.Segments[i].Vaddr {
			return nil, d.Errorf("%w: overlapping loadable segments at %#x", ErrMalformed, f.Segments[i].Vaddr)
		}
	}
	if dynamic == nil {
		return nil, d.Errorf("%w: no dynamic segment", ErrMalformed)
	}

	if err := f.parseDynamic(src, *dynamic, d); err != nil {
		return nil, err
	}
	return f, nil
}

type progHeader struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func decodePhdr(raw []byte) progHeader {
	return progHeader{
		typ:    elf.ProgType(le32(raw[0:])),
		flags:  elf.ProgFlag(le32(raw[4:])),
		off:    le64(raw[8:]),
		vaddr:  le64(raw[16:]),
		filesz: le64(raw[32:]),
		memsz:  le64(raw[40:]),
		align:  le64(raw[48:]),
	}
}

// vaddrToOff translates a virtual address to its file offset through the
// containing loadable segment. Addresses inside the filesz..memsz zero-fill
// tail have no file backing and fail.
func (f *File) vaddrToOff(vaddr, size uint64) (uint64, error) {
	for _, seg := range f.Segments {
		if vaddr >= seg.Vaddr && vaddr+size <= seg.Vaddr+seg.Filesz {
			return vaddr - seg.Vaddr + seg.Off, nil
		}
	}
	return 0, fmt.Errorf("%w: address %#x+%d outside file-backed segments", ErrMalformed, vaddr, size)
}

func (f *File) readVaddr(src ByteSource, vaddr, size uint64) ([]byte, error) {
	off, err := f.vaddrToOff(vaddr, size)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%w: read %d bytes at %#x: %v", ErrMalformed, size, vaddr, err)
	}
	return buf, nil
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}
