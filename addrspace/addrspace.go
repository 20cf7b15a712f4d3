// Package addrspace reserves and populates the address range a module loads
// into. A module's loadable segments are covered by one contiguous anonymous
// reservation; file bytes are copied over each segment's range, the
// filesz..memsz tail stays zero-filled, and final permissions are applied
// page-rounded per segment once the image is fully patched.
package addrspace

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/dynld/elfobj"
)

var (
	ErrUnmapped = errors.New("mapping has been unmapped")
	ErrNoSpace  = errors.New("failed to reserve address space")
)

// Span is the page-aligned virtual address range covering all of a module's
// loadable segments, in the module's own (pre-relocation) address space.
type Span struct {
	Start uint64
	Size  uint64
}

func (s Span) End() uint64 {
	return s.Start + s.Size
}

// Mapping is one live reservation. Bytes is a writable view of the whole
// span while the image is being populated and relocated; Protect narrows
// page ranges to their final permissions; Unmap releases the span exactly
// once.
type Mapping interface {
	// Base returns the address the span start landed at.
	Base() uint64
	// Bytes returns the whole-span view, or nil after Unmap.
	Bytes() []byte
	// Protect applies permissions to [off, off+size) within the span. Both
	// bounds must be page-aligned.
	Protect(off, size uint64, flags elf.ProgFlag) error
	// Unmap releases the reservation.
	Unmap() error
}

// Mapper reserves spans. The Module owns each returned Mapping exclusively.
type Mapper interface {
	Reserve(size uint64) (Mapping, error)
	Pagesize() uint64
}

// ComputeLayout returns the minimal page-aligned span covering every
// loadable segment.
func ComputeLayout(segs []elfobj.Segment, pagesize uint64) (Span, error) {
	if len(segs) == 0 {
		return Span{}, errors.New("no loadable segments")
	}
	minVM := uint64(math.MaxUint64)
	maxVM := uint64(0)
	for _, seg := range segs {
		if seg.Memsz == 0 {
			continue
		}
		end := seg.Vaddr + seg.Memsz
		if end < seg.Vaddr {
			return Span{}, fmt.Errorf("segment at %#x overflows the address space", seg.Vaddr)
		}
		if seg.Vaddr < minVM {
			minVM = seg.Vaddr
		}
		if end > maxVM {
			maxVM = end
		}
	}
	if minVM == math.MaxUint64 || maxVM <= minVM {
		return Span{}, errors.New("empty loadable layout")
	}
	start := AlignDown(minVM, pagesize)
	end := AlignUp(maxVM, pagesize)
	return Span{Start: start, Size: end - start}, nil
}

// Populate copies each segment's file-backed bytes into the mapping. The
// gaps between segments and each segment's filesz..memsz tail are already
// zero from the anonymous reservation.
func Populate(m Mapping, span Span, segs []elfobj.Segment, src elfobj.ByteSource) error {
	buf := m.Bytes()
	if buf == nil {
		return ErrUnmapped
	}
	for _, seg := range segs {
		if seg.Filesz == 0 {
			continue
		}
		off := seg.Vaddr - span.Start
		if off+seg.Filesz > uint64(len(buf)) {
			return fmt.Errorf("segment at %#x outside reserved span", seg.Vaddr)
		}
		if _, err := src.ReadAt(buf[off:off+seg.Filesz], int64(seg.Off)); err != nil {
			return fmt.Errorf("read segment at %#x: %w", seg.Vaddr, err)
		}
	}
	return nil
}

// ProtectSegments applies each segment's final permission bits, page-rounded.
// Called only after every write into the image (population, relocation) is
// done.
func ProtectSegments(m Mapping, span Span, segs []elfobj.Segment, pagesize uint64) error {
	for _, seg := range segs {
		if seg.Memsz == 0 {
			continue
		}
		start := AlignDown(seg.Vaddr-span.Start, pagesize)
		end := AlignUp(seg.Vaddr-span.Start+seg.Memsz, pagesize)
		if err := m.Protect(start, end-start, seg.Flags); err != nil {
			return fmt.Errorf("protect segment at %#x: %w", seg.Vaddr, err)
		}
	}
	return nil
}

func AlignDown(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func AlignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}
