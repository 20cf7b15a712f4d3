package elfobj

import (
	"github.com/sliverarmory/dynld/diag"
)

// parseVersions decodes DT_VERSYM together with DT_VERDEF/DT_VERNEED into a
// version-index-to-name map. Versioning is optional; any defect here degrades
// to unversioned matching with a warning rather than failing the module.
func (f *File) parseVersions(src ByteSource, info dynInfo, d *diag.Diagnostics) {
	if info.versym == 0 {
		return
	}
	raw, err := f.readVaddr(src, info.versym, uint64(len(f.syms))*2)
	if err != nil {
		d.Warningf("bad version symbol table: %v", err)
		return
	}
	f.versym = make([]uint16, len(f.syms))
	for i := range f.versym {
		f.versym[i] = le16(raw[i*2:])
	}
	f.vernames = make(map[uint16]string)

	if info.verdef != 0 && info.verdefnum > 0 {
		if err := f.parseVerdef(src, info.verdef, info.verdefnum); err != nil {
			d.Warningf("bad version definitions: %v", err)
		}
	}
	if info.verneed != 0 && info.verneednum > 0 {
		if err := f.parseVerneed(src, info.verneed, info.verneednum); err != nil {
			d.Warningf("bad version requirements: %v", err)
		}
	}
}

func (f *File) parseVerdef(src ByteSource, vaddr, num uint64) error {
	const verdefSize, verdauxSize = 20, 8
	pos := vaddr
	for n := uint64(0); n < num; n++ {
		raw, err := f.readVaddr(src, pos, verdefSize)
		if err != nil {
			return err
		}
		ndx := le16(raw[4:]) &^ versymHidden
		aux := uint64(le32(raw[12:]))
		next := uint64(le32(raw[16:]))

		if aux != 0 {
			auxRaw, err := f.readVaddr(src, pos+aux, verdauxSize)
			if err != nil {
				return err
			}
			if name, ok := f.str(uint64(le32(auxRaw[0:]))); ok {
				f.vernames[ndx] = name
			}
		}
		if next == 0 {
			break
		}
		pos += next
	}
	return nil
}

func (f *File) parseVerneed(src ByteSource, vaddr, num uint64) error {
	const verneedSize, vernauxSize = 16, 16
	pos := vaddr
	for n := uint64(0); n < num; n++ {
		raw, err := f.readVaddr(src, pos, verneedSize)
		if err != nil {
			return err
		}
		cnt := le16(raw[2:])
		aux := uint64(le32(raw[8:]))
		next := uint64(le32(raw[12:]))

		auxPos := pos + aux
		for c := uint16(0); c < cnt; c++ {
			auxRaw, err := f.readVaddr(src, auxPos, vernauxSize)
			if err != nil {
				return err
			}
			other := le16(auxRaw[6:]) &^ versymHidden
			if name, ok := f.str(uint64(le32(auxRaw[8:]))); ok {
				f.vernames[other] = name
			}
			auxNext := uint64(le32(auxRaw[12:]))
			if auxNext == 0 {
				break
			}
			auxPos += auxNext
		}
		if next == 0 {
			break
		}
		pos += next
	}
	return nil
}
