package addrspace

import (
	"debug/elf"
	"fmt"
	"sync"
)

// MemMapper backs reservations with plain byte slices at deterministic fake
// base addresses. It exists for tests and for closure inspection of images
// that cannot (or must not) land in the live address space; Protect calls
// are recorded rather than enforced.
type MemMapper struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]*MemMapping
}

const (
	memMapperFirstBase = 0x7f00_0000_0000
	memMapperPagesize  = 0x1000
)

func NewMemMapper() *MemMapper {
	return &MemMapper{
		next: memMapperFirstBase,
		live: make(map[uint64]*MemMapping),
	}
}

func (m *MemMapper) Pagesize() uint64 {
	return memMapperPagesize
}

func (m *MemMapper) Reserve(size uint64) (Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: bad span size %d", ErrNoSpace, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.next
	m.next = AlignUp(m.next+size, memMapperPagesize) + memMapperPagesize // guard gap
	mapping := &MemMapping{mapper: m, base: base, data: make([]byte, size)}
	m.live[base] = mapping
	return mapping, nil
}

// Live reports whether an address falls inside a still-mapped reservation.
func (m *MemMapper) Live(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, mapping := range m.live {
		if addr >= base && addr < base+uint64(len(mapping.data)) {
			return true
		}
	}
	return false
}

// LiveCount returns the number of reservations not yet unmapped.
func (m *MemMapper) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// ProtectCall records one Protect invocation on a MemMapping.
type ProtectCall struct {
	Off   uint64
	Size  uint64
	Flags elf.ProgFlag
}

type MemMapping struct {
	mu       sync.Mutex
	mapper   *MemMapper
	base     uint64
	data     []byte
	protects []ProtectCall
}

func (m *MemMapping) Base() uint64 {
	return m.base
}

func (m *MemMapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *MemMapping) Protect(off, size uint64, flags elf.ProgFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return ErrUnmapped
	}
	if off%memMapperPagesize != 0 || size%memMapperPagesize != 0 {
		return fmt.Errorf("protect range %#x+%d not page-aligned", off, size)
	}
	if off+size < off || off+size > uint64(len(m.data)) {
		return fmt.Errorf("protect range %#x+%d outside span", off, size)
	}
	m.protects = append(m.protects, ProtectCall{Off: off, Size: size, Flags: flags})
	return nil
}

// Protects returns the recorded Protect calls in order.
func (m *MemMapping) Protects() []ProtectCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProtectCall, len(m.protects))
	copy(out, m.protects)
	return out
}

func (m *MemMapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return ErrUnmapped
	}
	m.data = nil
	m.mapper.mu.Lock()
	delete(m.mapper.live, m.base)
	m.mapper.mu.Unlock()
	return nil
}
