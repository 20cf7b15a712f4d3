package dynld_test

import (
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/sliverarmory/dynld"
	"github.com/sliverarmory/dynld/internal/elfbuild"
)

func addTLSClosure(resolver *dynld.MapResolver, machine elf.Machine) {
	resolver.Add("libtls1.so", elfbuild.New(machine).
		Soname("libtls1.so").
		TLS(0x40, 0x40, 16).
		Build())
	resolver.Add("libtls2.so", elfbuild.New(machine).
		Soname("libtls2.so").
		TLS(0x30, 0x30, 8).
		Build())
	resolver.Add("app.so", elfbuild.New(machine).
		Soname("app.so").
		Need("libtls1.so", "libtls2.so").
		Build())
}

func TestStaticTLSVariantII(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	addTLSClosure(resolver, elf.EM_X86_64)

	app, err := l.Load("app.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	deps := app.Deps()
	if deps[0].TLSModuleID() != 1 || deps[1].TLSModuleID() != 2 {
		t.Fatalf("TLS module IDs: %d, %d", deps[0].TLSModuleID(), deps[1].TLSModuleID())
	}
	if app.TLSModuleID() != 0 {
		t.Fatalf("module without TLS segment got ID %d", app.TLSModuleID())
	}

	layout := l.Registry().StaticTLSLayout()
	if layout.Machine != elf.EM_X86_64 {
		t.Fatalf("layout machine: %s", layout.Machine)
	}
	if len(layout.Blocks) != 2 {
		t.Fatalf("block count: %d", len(layout.Blocks))
	}
	// x86-64 blocks grow downward from the thread pointer.
	if b := layout.Blocks[0]; b.ModuleID != 1 || b.Offset != -0x40 {
		t.Fatalf("block 1: %+v", b)
	}
	if b := layout.Blocks[1]; b.ModuleID != 2 || b.Offset != -0x70 {
		t.Fatalf("block 2: %+v", b)
	}
	if layout.Size != 0x70 || layout.Align != 16 {
		t.Fatalf("layout: size=%#x align=%d", layout.Size, layout.Align)
	}
}

func TestStaticTLSVariantI(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	addTLSClosure(resolver, elf.EM_AARCH64)

	_, err := l.Load("app.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	layout := l.Registry().StaticTLSLayout()
	if layout.Machine != elf.EM_AARCH64 {
		t.Fatalf("layout machine: %s", layout.Machine)
	}
	// aarch64 blocks grow upward past the 16-byte reserved TCB area.
	if b := layout.Blocks[0]; b.Offset != 0x10 {
		t.Fatalf("block 1: %+v", b)
	}
	if b := layout.Blocks[1]; b.Offset != 0x50 {
		t.Fatalf("block 2: %+v", b)
	}
	if layout.Size != 0x80 {
		t.Fatalf("layout size: %#x", layout.Size)
	}
}

func TestTLSRelocations(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libtls.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls.so").
		TLS(0x40, 0x40, 8).
		ExportTLS("tvar", 8, 8).
		Build())
	resolver.Add("app.so", elfbuild.New(elf.EM_X86_64).
		Soname("app.so").
		Need("libtls.so").
		Import("tvar").
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_DTPMOD64), "tvar", 0).
		Rela(elfbuild.DataVaddr+8, uint32(elf.R_X86_64_DTPOFF64), "tvar", 0).
		Rela(elfbuild.DataVaddr+16, uint32(elf.R_X86_64_TPOFF64), "tvar", 0).
		Build())

	app, err := l.Load("app.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	libtls := app.Deps()[0]

	if got := word(t, app, elfbuild.DataVaddr); got != uint64(libtls.TLSModuleID()) {
		t.Fatalf("DTPMOD64: got %#x, want module ID %d", got, libtls.TLSModuleID())
	}
	if got := word(t, app, elfbuild.DataVaddr+8); got != 8 {
		t.Fatalf("DTPOFF64: got %#x, want 8", got)
	}

	layout := l.Registry().StaticTLSLayout()
	var blockOff int64
	for _, b := range layout.Blocks {
		if b.ModuleID == libtls.TLSModuleID() {
			blockOff = b.Offset
		}
	}
	if want := uint64(blockOff + 8); word(t, app, elfbuild.DataVaddr+16) != want {
		t.Fatalf("TPOFF64: got %#x, want %#x", word(t, app, elfbuild.DataVaddr+16), want)
	}
}

func TestStaticTLSModuleSurvivesUnload(t *testing.T) {
	l, resolver, mapper := newTestLoader(t)
	resolver.Add("libtls.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls.so").
		TLS(0x20, 0x20, 8).
		Build())

	m, err := l.Load("libtls.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	id := m.TLSModuleID()
	if id == 0 {
		t.Fatalf("TLS module got no ID")
	}

	// The static TLS block outlives the last reference, so the module must
	// stay mapped and its ID must stay claimed.
	if err := l.Unload(m); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if mapper.LiveCount() != 1 {
		t.Fatalf("static TLS module unmapped")
	}
	layout := l.Registry().StaticTLSLayout()
	if len(layout.Blocks) != 1 || layout.Blocks[0].ModuleID != id {
		t.Fatalf("TLS layout after unload: %+v", layout.Blocks)
	}
}

func TestFailedLoadReturnsStaticTLSSpace(t *testing.T) {
	l, resolver, mapper := newTestLoader(t)
	resolver.Add("libtls.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls.so").
		TLS(0x40, 0x40, 8).
		Build())
	resolver.Add("app.so", elfbuild.New(elf.EM_X86_64).
		Soname("app.so").
		Need("libtls.so").
		Import("absent").
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_GLOB_DAT), "absent", 0).
		Build())

	_, err := l.Load("app.so", dynld.BindNow)
	if !errors.Is(err, dynld.ErrSymbolNotFound) {
		t.Fatalf("error: got %v, want ErrSymbolNotFound", err)
	}
	if mapper.LiveCount() != 0 {
		t.Fatalf("mappings leaked: %d", mapper.LiveCount())
	}
	layout := l.Registry().StaticTLSLayout()
	if layout.Size != 0 || len(layout.Blocks) != 0 {
		t.Fatalf("TLS layout kept failed reservation: size=%#x blocks=%+v",
			layout.Size, layout.Blocks)
	}

	// A retried failure must not grow the area either.
	_, err = l.Load("app.so", dynld.BindNow)
	if !errors.Is(err, dynld.ErrSymbolNotFound) {
		t.Fatalf("retry error: got %v", err)
	}
	if layout := l.Registry().StaticTLSLayout(); layout.Size != 0 || len(layout.Blocks) != 0 {
		t.Fatalf("TLS layout grew across failed retries: size=%#x", layout.Size)
	}

	// The space comes back but the consumed IDs do not: both failed attempts
	// burned one, so the first successful assignment gets the third.
	lib, err := l.Load("libtls.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load libtls: %v", err)
	}
	if lib.TLSModuleID() != 3 {
		t.Fatalf("TLS module ID: got %d, want 3", lib.TLSModuleID())
	}
	layout = l.Registry().StaticTLSLayout()
	if layout.Size != 0x40 || len(layout.Blocks) != 1 {
		t.Fatalf("layout after successful load: size=%#x blocks=%d",
			layout.Size, len(layout.Blocks))
	}
}

func TestTLSModuleIDsNeverReused(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libtls1.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls1.so").
		TLS(0x10, 0x10, 8).
		Build())
	resolver.Add("libtls2.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls2.so").
		TLS(0x10, 0x10, 8).
		Build())

	m1, err := l.Load("libtls1.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load libtls1: %v", err)
	}
	if err := l.Unload(m1); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	m2, err := l.Load("libtls2.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load libtls2: %v", err)
	}
	if m2.TLSModuleID() <= m1.TLSModuleID() {
		t.Fatalf("TLS ID reused: %d after %d", m2.TLSModuleID(), m1.TLSModuleID())
	}
}

func TestLookupRejectsTLSSymbols(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libtls.so", elfbuild.New(elf.EM_X86_64).
		Soname("libtls.so").
		TLS(0x20, 0x20, 8).
		ExportTLS("tvar", 0, 8).
		Build())

	m, err := l.Load("libtls.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = l.Lookup(m, "tvar")
	if err == nil {
		t.Fatalf("TLS symbol resolved to a process-wide address")
	}
	if !strings.Contains(err.Error(), "TLS") {
		t.Fatalf("error: %v", err)
	}
}
