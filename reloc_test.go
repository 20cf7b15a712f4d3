package dynld_test

import (
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/sliverarmory/dynld"
	"github.com/sliverarmory/dynld/internal/elfbuild"
)

func TestAbs64AppliesSymbolPlusAddend(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libabs.so", elfbuild.New(elf.EM_X86_64).
		Soname("libabs.so").
		Export("anchor", elfbuild.DataVaddr+0x100, 8).
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_64), "anchor", -8).
		Build())

	m, err := l.Load("libabs.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := m.Base() + elfbuild.DataVaddr + 0x100 - 8
	if got := word(t, m, elfbuild.DataVaddr); got != want {
		t.Fatalf("ABS64 slot: got %#x, want %#x", got, want)
	}
}

func TestJumpSlotBindsEagerlyUnderBindLazy(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libfn.so", elfbuild.New(elf.EM_X86_64).
		Soname("libfn.so").
		Export("callee", elfbuild.DataVaddr+0x80, 8).
		Build())
	resolver.Add("app.so", elfbuild.New(elf.EM_X86_64).
		Soname("app.so").
		Need("libfn.so").
		Import("callee").
		RelaPLT(elfbuild.DataVaddr, uint32(elf.R_X86_64_JMP_SLOT), "callee", 0).
		Build())

	app, err := l.Load("app.so", dynld.BindLazy)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dep := app.Deps()[0]

	// Lazy loads still leave every PLT slot bound before Load returns.
	want := dep.Base() + elfbuild.DataVaddr + 0x80
	if got := word(t, app, elfbuild.DataVaddr); got != want {
		t.Fatalf("JMP_SLOT: got %#x, want %#x", got, want)
	}
}

func TestUnsupportedRelocationTypeFailsLoad(t *testing.T) {
	l, resolver, mapper := newTestLoader(t)
	resolver.Add("libbad.so", elfbuild.New(elf.EM_X86_64).
		Soname("libbad.so").
		Rela(elfbuild.DataVaddr, 0x777, "", 0).
		Build())

	_, err := l.Load("libbad.so", dynld.BindNow)
	if !errors.Is(err, dynld.ErrUnsupportedReloc) {
		t.Fatalf("error: got %v, want ErrUnsupportedReloc", err)
	}
	if !strings.Contains(err.Error(), "libbad.so") {
		t.Fatalf("error does not name the module: %v", err)
	}
	if mapper.LiveCount() != 0 {
		t.Fatalf("mappings leaked: %d", mapper.LiveCount())
	}
}

func TestCopyRelocationRejected(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libcopy.so", elfbuild.New(elf.EM_X86_64).
		Soname("libcopy.so").
		Export("copied", elfbuild.DataVaddr+0x40, 8).
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_COPY), "copied", 0).
		Build())

	_, err := l.Load("libcopy.so", dynld.BindNow)
	if !errors.Is(err, dynld.ErrUnsupportedReloc) {
		t.Fatalf("error: got %v, want ErrUnsupportedReloc", err)
	}
	if !strings.Contains(err.Error(), "COPY") {
		t.Fatalf("error: %v", err)
	}
}

func TestAarch64RelocationTable(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libarm.so", elfbuild.New(elf.EM_AARCH64).
		Soname("libarm.so").
		Export("anchor", elfbuild.DataVaddr+0x60, 8).
		Rela(elfbuild.DataVaddr, uint32(elf.R_AARCH64_RELATIVE), "", 0x2040).
		Rela(elfbuild.DataVaddr+8, uint32(elf.R_AARCH64_ABS64), "anchor", 4).
		Build())

	m, err := l.Load("libarm.so", dynld.BindNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := word(t, m, elfbuild.DataVaddr), m.Base()+0x2040; got != want {
		t.Fatalf("RELATIVE: got %#x, want %#x", got, want)
	}
	if got, want := word(t, m, elfbuild.DataVaddr+8), m.Base()+elfbuild.DataVaddr+0x60+4; got != want {
		t.Fatalf("ABS64: got %#x, want %#x", got, want)
	}
}

func TestRelocationAgainstTLSSymbolClassMismatch(t *testing.T) {
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
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_GLOB_DAT), "tvar", 0).
		Build())

	_, err := l.Load("app.so", dynld.BindNow)
	if err == nil {
		t.Fatalf("address relocation against TLS symbol accepted")
	}
	if !strings.Contains(err.Error(), "non-TLS relocation against TLS symbol") {
		t.Fatalf("error: %v", err)
	}
}

func TestTLSRelocationAgainstDataSymbolClassMismatch(t *testing.T) {
	l, resolver, _ := newTestLoader(t)
	resolver.Add("libdata.so", elfbuild.New(elf.EM_X86_64).
		Soname("libdata.so").
		Export("dvar", elfbuild.DataVaddr+0x50, 8).
		Build())
	resolver.Add("app.so", elfbuild.New(elf.EM_X86_64).
		Soname("app.so").
		Need("libdata.so").
		TLS(0x20, 0x20, 8).
		Import("dvar").
		Rela(elfbuild.DataVaddr, uint32(elf.R_X86_64_TPOFF64), "dvar", 0).
		Build())

	_, err := l.Load("app.so", dynld.BindNow)
	if err == nil {
		t.Fatalf("TLS relocation against data symbol accepted")
	}
	if !strings.Contains(err.Error(), "TLS relocation against non-TLS symbol") {
		t.Fatalf("error: %v", err)
	}
}
