package elfobj

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/dynld/diag"
)

const versymHidden = 0x8000

type sysvHashTable struct {
	buckets []uint32
	chains  []uint32
}

type gnuHashTable struct {
	symOffset  uint32
	bloomShift uint32
	bloom      []uint64
	buckets    []uint32
	// chains[i] is the hash slot for symbol symOffset+i.
	chains []uint32
}

// parseSymbols materializes the dynamic symbol table. The entry count is not
// stated directly by the dynamic section; it comes from DT_HASH nchain when
// present, else from walking the DT_GNU_HASH chains.
func (f *File) parseSymbols(src ByteSource, info dynInfo, d *diag.Diagnostics) error {
	var count uint64

	if info.hash != 0 {
		hdr, err := f.readVaddr(src, info.hash, 8)
		if err != nil {
			return d.Error(err)
		}
		nbucket := uint64(le32(hdr[0:]))
		nchain := uint64(le32(hdr[4:]))
		body, err := f.readVaddr(src, info.hash+8, (nbucket+nchain)*4)
		if err != nil {
			return d.Error(err)
		}
		t := &sysvHashTable{
			buckets: make([]uint32, nbucket),
			chains:  make([]uint32, nchain),
		}
		for i := range t.buckets {
			t.buckets[i] = le32(body[i*4:])
		}
		for i := range t.chains {
			t.chains[i] = le32(body[(int(nbucket)+i)*4:])
		}
		f.sysv = t
		count = nchain
	}

	if info.gnuHash != 0 {
		g, n, err := f.parseGNUHash(src, info.gnuHash)
		if err != nil {
			// A broken GNU hash degrades lookup, it does not invalidate the
			// module while a SysV table or linear scan remains available.
			d.Warningf("bad GNU hash table: %v", err)
		} else {
			f.gnu = g
			if n > count {
				count = n
			}
		}
	}

	if count == 0 && info.strtab > info.symtab {
		// No usable hash table. Linkers place the string table right after
		// the symbol table, so the gap bounds the entry count.
		count = (info.strtab - info.symtab) / symSize
		if count > 0 {
			d.Warningf("no hash table; deriving symbol count %d from table adjacency", count)
		}
	}
	if count == 0 {
		return d.Errorf("%w: cannot determine symbol count (no usable hash table)", ErrMalformed)
	}

	raw, err := f.readVaddr(src, info.symtab, count*symSize)
	if err != nil {
		return d.Error(err)
	}
	f.syms = make([]Symbol, count)
	for i := uint64(0); i < count; i++ {
		b := raw[i*symSize:]
		nameOff := uint64(le32(b[0:]))
		name, ok := f.str(nameOff)
		if !ok {
			return d.Errorf("%w: symbol %d name offset %d outside string table", ErrMalformed, i, nameOff)
		}
		f.syms[i] = Symbol{
			Name:  name,
			Info:  b[4],
			Other: b[5],
			Shndx: le16(b[6:]),
			Value: le64(b[8:]),
			Size:  le64(b[16:]),
		}
	}
	return nil
}

func (f *File) parseGNUHash(src ByteSource, vaddr uint64) (*gnuHashTable, uint64, error) {
	hdr, err := f.readVaddr(src, vaddr, 16)
	if err != nil {
		return nil, 0, err
	}
	nbuckets := uint64(le32(hdr[0:]))
	symOffset := le32(hdr[4:])
	bloomSize := uint64(le32(hdr[8:]))
	bloomShift := le32(hdr[12:])
	if nbuckets == 0 || bloomSize == 0 {
		return nil, 0, fmt.Errorf("empty bucket or bloom array")
	}

	body, err := f.readVaddr(src, vaddr+16, bloomSize*8+nbuckets*4)
	if err != nil {
		return nil, 0, err
	}
	g := &gnuHashTable{
		symOffset:  symOffset,
		bloomShift: bloomShift,
		bloom:      make([]uint64, bloomSize),
		buckets:    make([]uint32, nbuckets),
	}
	for i := range g.bloom {
		g.bloom[i] = le64(body[i*8:])
	}
	for i := range g.buckets {
		g.buckets[i] = le32(body[int(bloomSize)*8+i*4:])
	}

	// The chain array ends, per bucket, at the first entry with the low bit
	// set; the highest index reached determines the symbol count.
	chainBase := vaddr + 16 + bloomSize*8 + nbuckets*4
	maxSym := uint64(0)
	for _, b := range g.buckets {
		if b == 0 {
			continue
		}
		idx := uint64(b)
		if idx < uint64(symOffset) {
			return nil, 0, fmt.Errorf("bucket index %d below symbol offset %d", b, symOffset)
		}
		for {
			raw, err := f.readVaddr(src, chainBase+(idx-uint64(symOffset))*4, 4)
			if err != nil {
				return nil, 0, err
			}
			if idx+1 > maxSym {
				maxSym = idx + 1
			}
			if le32(raw)&1 != 0 {
				break
			}
			idx++
		}
	}
	if maxSym == 0 {
		maxSym = uint64(symOffset)
	}

	nchains := maxSym - uint64(symOffset)
	if nchains > 0 {
		raw, err := f.readVaddr(src, chainBase, nchains*4)
		if err != nil {
			return nil, 0, err
		}
		g.chains = make([]uint32, nchains)
		for i := range g.chains {
			g.chains[i] = le32(raw[i*4:])
		}
	}
	return g, maxSym, nil
}

// NumSymbols returns the dynamic symbol table length, including the null
// entry at index 0.
func (f *File) NumSymbols() int {
	return len(f.syms)
}

// Symbol returns the symbol at the given dynamic-symbol-table index.
func (f *File) Symbol(i uint32) (Symbol, bool) {
	if uint64(i) >= uint64(len(f.syms)) {
		return Symbol{}, false
	}
	return f.syms[i], true
}

// SymbolVersion returns the version name bound to symbol i and whether the
// binding is hidden from cross-module lookup. Unversioned modules report an
// empty name.
func (f *File) SymbolVersion(i uint32) (string, bool) {
	if uint64(i) >= uint64(len(f.versym)) {
		return "", false
	}
	v := f.versym[i]
	return f.vernames[v&^versymHidden], v&versymHidden != 0
}

// exportable reports whether symbol i can satisfy a cross-module reference
// for the given version ("" matches any default binding).
func (f *File) exportable(i uint32, version string) bool {
	s := f.syms[i]
	if !s.Defined() {
		return false
	}
	switch elf.ST_BIND(s.Info) {
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return false
	}
	switch elf.ST_VISIBILITY(s.Other) {
	case elf.STV_DEFAULT, elf.STV_PROTECTED:
	default:
		return false
	}
	vname, hidden := f.SymbolVersion(i)
	if hidden && version == "" {
		return false
	}
	if version != "" && vname != "" && vname != version {
		return false
	}
	return true
}

// LookupExport finds a definition of name exported by this module, using the
// GNU hash table when present, then the SysV table, then a linear scan.
func (f *File) LookupExport(name, version string) (Symbol, uint32, bool) {
	if f.gnu != nil {
		if sym, idx, ok := f.lookupGNU(name, version); ok {
			return sym, idx, true
		}
		if f.sysv == nil {
			return Symbol{}, 0, false
		}
	}
	if f.sysv != nil {
		return f.lookupSysV(name, version)
	}
	return f.lookupLinear(name, version)
}

func (f *File) lookupGNU(name, version string) (Symbol, uint32, bool) {
	g := f.gnu
	h := gnuHash(name)

	wordBits := uint32(64)
	bloomWord := g.bloom[(h/wordBits)%uint32(len(g.bloom))]
	mask := uint64(1)<<(h%wordBits) | uint64(1)<<((h>>g.bloomShift)%wordBits)
	if bloomWord&mask != mask {
		return Symbol{}, 0, false
	}

	idx := g.buckets[h%uint32(len(g.buckets))]
	if idx == 0 {
		return Symbol{}, 0, false
	}
	for {
		ci := idx - g.symOffset
		if uint64(ci) >= uint64(len(g.chains)) {
			return Symbol{}, 0, false
		}
		ch := g.chains[ci]
		if ch&^uint32(1) == h&^uint32(1) {
			if uint64(idx) < uint64(len(f.syms)) && f.syms[idx].Name == name && f.exportable(idx, version) {
				return f.syms[idx], idx, true
			}
		}
		if ch&1 != 0 {
			return Symbol{}, 0, false
		}
		idx++
	}
}

func (f *File) lookupSysV(name, version string) (Symbol, uint32, bool) {
	t := f.sysv
	if len(t.buckets) == 0 {
		return Symbol{}, 0, false
	}
	idx := t.buckets[elfHash(name)%uint32(len(t.buckets))]
	// A well-formed chain visits each symbol at most once; the bound stops a
	// malformed self-referencing chain from spinning forever.
	for steps := 0; idx != 0 && steps < len(t.chains); steps++ {
		if uint64(idx) < uint64(len(f.syms)) && f.syms[idx].Name == name && f.exportable(idx, version) {
			return f.syms[idx], idx, true
		}
		if uint64(idx) >= uint64(len(t.chains)) {
			break
		}
		idx = t.chains[idx]
	}
	return Symbol{}, 0, false
}

func (f *File) lookupLinear(name, version string) (Symbol, uint32, bool) {
	for i := 1; i < len(f.syms); i++ {
		if f.syms[i].Name == name && f.exportable(uint32(i), version) {
			return f.syms[i], uint32(i), true
		}
	}
	return Symbol{}, 0, false
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}
