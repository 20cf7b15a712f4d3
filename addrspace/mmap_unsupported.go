//go:build !linux || (!amd64 && !arm64)

package addrspace

import "errors"

// MmapMapper is only implemented for linux/amd64 and linux/arm64. The
// MemMapper works everywhere.
type MmapMapper struct{}

func NewMmapMapper() *MmapMapper {
	return &MmapMapper{}
}

func (*MmapMapper) Pagesize() uint64 {
	return 4096
}

func (*MmapMapper) Reserve(size uint64) (Mapping, error) {
	_ = size
	return nil, errors.New("mmap-backed mapping is only supported on linux amd64/arm64")
}
