package dynld

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/dynld/addrspace"
)

// aarch64 reserves two pointers past the thread pointer before the first
// TLS block (variant I).
const tcbReservedVariantI = 16

// TLSBlock is one module's slot in the static TLS area.
type TLSBlock struct {
	ModuleID int
	// Offset is relative to the thread pointer: negative on x86-64
	// (variant II), positive on aarch64 (variant I).
	Offset int64
	Size   uint64
	Align  uint64
}

// TLSLayout is the process-wide static TLS picture. Size is the total block
// area (excluding the platform control block on variant II, including the
// reserved TCB area on variant I).
type TLSLayout struct {
	Machine elf.Machine
	Size    uint64
	Align   uint64
	Blocks  []TLSBlock
}

// staticTLS owns TLS module ID assignment and static block placement. IDs
// are monotonically increasing and never reused, so a stale thread-local
// reference can never alias a newer module's block.
type staticTLS struct {
	machine elf.Machine
	nextID  int
	cum     uint64
	align   uint64
	blocks  []TLSBlock
}

// assign reserves an ID and a static offset for one TLS segment. The first
// assignment fixes the variant via the machine.
func (t *staticTLS) assign(machine elf.Machine, size, align uint64) (int, int64, error) {
	if t.machine == 0 {
		t.machine = machine
		if machine == elf.EM_AARCH64 {
			t.cum = tcbReservedVariantI
		}
	}
	if t.nextID == 0 {
		t.nextID = 1
	}
	if t.machine != machine {
		return 0, 0, fmt.Errorf("TLS machine mismatch: %s vs %s", machine, t.machine)
	}
	if align == 0 {
		align = 1
	}

	id := t.nextID
	t.nextID++
	if align > t.align {
		t.align = align
	}

	var off int64
	switch machine {
	case elf.EM_X86_64:
		// Variant II: blocks grow downward from the thread pointer.
		t.cum = addrspace.AlignUp(t.cum+size, align)
		off = -int64(t.cum)
	case elf.EM_AARCH64:
		// Variant I: blocks grow upward past the reserved TCB area.
		start := addrspace.AlignUp(t.cum, align)
		off = int64(start)
		t.cum = start + size
	default:
		return 0, 0, fmt.Errorf("no TLS variant for machine %s", machine)
	}

	t.blocks = append(t.blocks, TLSBlock{ModuleID: id, Offset: off, Size: size, Align: align})
	return id, off, nil
}

// tlsMark snapshots the static TLS area so a failed operation can restore
// it. IDs consumed past the mark stay consumed; only the space comes back.
type tlsMark struct {
	machine elf.Machine
	cum     uint64
	align   uint64
	nblocks int
}

func (t *staticTLS) mark() tlsMark {
	return tlsMark{machine: t.machine, cum: t.cum, align: t.align, nblocks: len(t.blocks)}
}

func (t *staticTLS) releaseTo(m tlsMark) {
	t.machine = m.machine
	t.cum = m.cum
	t.align = m.align
	t.blocks = t.blocks[:m.nblocks]
}

func (t *staticTLS) layout() TLSLayout {
	out := TLSLayout{
		Machine: t.machine,
		Size:    t.cum,
		Align:   t.align,
		Blocks:  append([]TLSBlock(nil), t.blocks...),
	}
	return out
}

// assignTLS gives every new TLS-bearing module its ID and static offset.
// Runs after mapping and before relocation, since TLS relocations consume
// the offsets. Static-TLS modules are pinned: their block survives in the
// layout for the life of the process, so the module must too.
func (op *loadOp) assignTLS() error {
	reg := op.l.registry
	reg.mu.Lock()
	defer reg.mu.Unlock()

	mark := reg.tls.mark()
	op.tlsMark = &mark
	for _, m := range op.newModules {
		if !m.file.TLS.Present {
			continue
		}
		id, off, err := reg.tls.assign(m.file.Machine, m.file.TLS.Memsz, m.file.TLS.Align)
		if err != nil {
			return op.d.Errorf("TLS layout for %s: %v", m.name, err)
		}
		m.tlsID = id
		m.tlsOffset = off
		m.noDelete = true
	}
	return nil
}
