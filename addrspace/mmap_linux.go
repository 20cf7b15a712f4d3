//go:build linux && (amd64 || arm64)

package addrspace

import (
	"debug/elf"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapMapper reserves spans with anonymous private mappings. The whole span
// starts readable and writable so population and relocation can patch it;
// ProtectSegments narrows pages afterwards.
type MmapMapper struct{}

func NewMmapMapper() *MmapMapper {
	return &MmapMapper{}
}

func (*MmapMapper) Pagesize() uint64 {
	return uint64(unix.Getpagesize())
}

func (*MmapMapper) Reserve(size uint64) (Mapping, error) {
	if size == 0 || size > uint64(math.MaxInt) {
		return nil, fmt.Errorf("%w: bad span size %d", ErrNoSpace, size)
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrNoSpace, size, err)
	}
	return &mmapMapping{buf: buf}, nil
}

type mmapMapping struct {
	mu  sync.Mutex
	buf []byte
}

func (m *mmapMapping) Base() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&m.buf[0])))
}

func (m *mmapMapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf
}

func (m *mmapMapping) Protect(off, size uint64, flags elf.ProgFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return ErrUnmapped
	}
	if off+size < off || off+size > uint64(len(m.buf)) {
		return fmt.Errorf("protect range %#x+%d outside span", off, size)
	}
	if size == 0 {
		return nil
	}
	return unix.Mprotect(m.buf[off:off+size], protFlags(flags))
}

func (m *mmapMapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return ErrUnmapped
	}
	buf := m.buf
	m.buf = nil
	return unix.Munmap(buf)
}

func protFlags(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
