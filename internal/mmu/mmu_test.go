// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmu

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rstenvi/arm64-tee/internal/arch/archtest"
	"github.com/rstenvi/arm64-tee/internal/pmm"
	"github.com/rstenvi/arm64-tee/mem"
)

const (
	testPages   = 256
	testNSPages = 16
)

var testImage = ImageMap{
	Text:   Range{mem.SecureStart, mem.SecureStart + 2*mem.PageSize},
	Rodata: Range{mem.SecureStart + 2*mem.PageSize, mem.SecureStart + 3*mem.PageSize},
	Data:   Range{mem.SecureStart + 3*mem.PageSize, mem.SecureStart + 4*mem.PageSize},
}

type env struct {
	ram *mem.RAM
	cpu *archtest.Recorder
	pmm *pmm.PMM
	mmu *MMU
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		ram: mem.NewRAM(),
		cpu: &archtest.Recorder{},
	}

	if _, err := e.ram.Add("secure", mem.SecureStart, testPages*mem.PageSize); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ram.Add("nonsecure", mem.NonSecureStart, testNSPages*mem.PageSize); err != nil {
		t.Fatal(err)
	}

	e.pmm = pmm.New(e.ram)

	if err := e.pmm.Init(mem.SecureStart, testPages*mem.PageSize, testImage.Text.Start, testImage.Data.End); err != nil {
		t.Fatal(err)
	}

	e.mmu = New(e.cpu, e.pmm, e.ram)
	root := e.mmu.AllocPGD()

	if linear := e.mmu.Init(root, testImage, mem.SecureStart, testPages*mem.PageSize); linear != mem.LinearStart {
		t.Fatalf("Init returned %#x", linear)
	}

	e.pmm.LateInit(mem.LinearStart)
	e.mmu.SetNonSecure(mem.NonSecureStart, testNSPages*mem.PageSize)

	return e
}

type leaf struct {
	PA   uint64
	Prot uint64
}

func (e *env) translate(root uint64, va uint64) leaf {
	pa, prot := e.mmu.Translate(root, va)
	return leaf{pa, prot}
}

func TestInit(t *testing.T) {
	e := newEnv(t)
	root := e.mmu.Root()

	if e.cpu.TTBR0 != root {
		t.Errorf("TTBR0 %#x, want %#x", e.cpu.TTBR0, root)
	}

	if e.cpu.Barriers == 0 {
		t.Error("no barrier after table updates")
	}

	tests := []struct {
		name string
		va   uint64
		want leaf
	}{
		{"text", mem.SecureStart + mem.PageSize, leaf{mem.SecureStart + mem.PageSize, AP_RO | AP_EL0}},
		{"rodata", mem.SecureStart + 2*mem.PageSize, leaf{mem.SecureStart + 2*mem.PageSize, AP_RO | UXN | PXN | AP_EL0}},
		{"data", mem.SecureStart + 3*mem.PageSize, leaf{mem.SecureStart + 3*mem.PageSize, AP_RW | UXN | PXN}},
		{"past image", mem.SecureStart + 4*mem.PageSize, leaf{mem.Invalid, 0}},
		{"linear text", mem.LinearStart + mem.SecureStart, leaf{mem.SecureStart, AP_RO | AP_EL0}},
		{"linear data", mem.LinearStart + mem.SecureStart + 3*mem.PageSize, leaf{mem.SecureStart + 3*mem.PageSize, EL1_RW}},
		{"linear RAM", mem.LinearStart + mem.SecureStart + 100*mem.PageSize, leaf{mem.SecureStart + 100*mem.PageSize, EL1_RW}},
		{"past RAM", mem.LinearStart + mem.SecureStart + testPages*mem.PageSize, leaf{mem.Invalid, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, e.translate(root, tt.va)); diff != "" {
				t.Errorf("translation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInitUnaligned(t *testing.T) {
	e := newEnv(t)
	m := New(e.cpu, e.pmm, e.ram)

	if linear := m.Init(e.mmu.AllocPGD(), testImage, mem.SecureStart+1, mem.PageSize); linear != mem.Invalid {
		t.Errorf("Init returned %#x", linear)
	}

	if !e.cpu.Halted() {
		t.Error("unaligned RAM did not halt")
	}
}

func TestAllocPages(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()
	va := mem.UpperStart | 0x10000

	if err := e.mmu.AllocPages(app, va, 3, EL0_RW); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]bool)
	buf := make([]byte, mem.PageSize)

	for i := uint64(0); i < 3; i++ {
		l := e.translate(app, va+i*mem.PageSize)

		if l.PA == mem.Invalid || seen[l.PA] || l.Prot != EL0_RW {
			t.Fatalf("page %d: %+v", i, l)
		}

		e.ram.Read(l.PA, buf)

		if !bytes.Equal(buf, make([]byte, mem.PageSize)) {
			t.Errorf("page %d not zeroed", i)
		}

		seen[l.PA] = true
	}

	_, used, _ := e.pmm.Stats()

	if err := e.mmu.AllocPages(app, va+2*mem.PageSize, 2, EL0_RW); !errors.Is(err, ErrMapped) {
		t.Errorf("overlapping AllocPages returned %v", err)
	}

	if _, got, _ := e.pmm.Stats(); got != used {
		t.Errorf("failed AllocPages consumed %d pages", got-used)
	}

	e.mmu.UnmapPages(app, va, 3)

	for pa := range seen {
		if e.pmm.Used(pa) {
			t.Errorf("page %#x not returned after unmap", pa)
		}
	}

	if got := e.mmu.PagesAvailable(app, va, 3); got != 3 {
		t.Errorf("PagesAvailable after unmap = %d", got)
	}
}

func TestPagesAvailable(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()
	va := mem.UpperStart | 0x40000000

	if err := e.mmu.AllocPage(app, va+2*mem.PageSize, EL0_RO); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		va   uint64
		n    int
		want int
	}{
		{va, 4, 2},
		{va, 2, 2},
		{va + 2*mem.PageSize, 1, 0},
		{va + 3*mem.PageSize, 8, 8},
		{mem.UpperStart, 0, 0},
	}

	for _, tt := range tests {
		if got := e.mmu.PagesAvailable(app, tt.va, tt.n); got != tt.want {
			t.Errorf("PagesAvailable(%#x, %d) = %d, want %d", tt.va, tt.n, got, tt.want)
		}
	}
}

func TestMapPageFreesPrevious(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()
	va := mem.UpperStart | 0x2000

	if err := e.mmu.AllocPage(app, va, EL0_RW); err != nil {
		t.Fatal(err)
	}

	first := e.translate(app, va).PA

	if err := e.mmu.AllocPage(app, va, EL0_RO); err != nil {
		t.Fatal(err)
	}

	if e.pmm.Used(first) {
		t.Errorf("page %#x leaked after remap", first)
	}

	if got := e.translate(app, va); got.PA == mem.Invalid || got.Prot != EL0_RO {
		t.Errorf("remap produced %+v", got)
	}
}

func TestAllocPagesExhaustion(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()
	va := mem.UpperStart | 0x100000

	if err := e.mmu.AllocPages(app, va, testPages, EL0_RW); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("AllocPages returned %v", err)
	}

	if got := e.mmu.PagesAvailable(app, va, testPages); got != testPages {
		t.Errorf("partial allocation left behind, %d pages available", got)
	}

	if pa := e.pmm.Alloc(); pa == mem.Invalid {
		t.Error("pages leaked on failed allocation")
	}
}

func TestProtection(t *testing.T) {
	tests := []struct {
		name    string
		prot    uint64
		mask    uint64
		enforce uint64
	}{
		{"EL0_RW", EL0_RW, EL0_RW, EL0_RW},
		{"EL0_RX", EL0_RX, EL0_RX, EL0_RX},
		{"EL1_RW", EL1_RW, EL1_RW, EL0_RW},
		{"EL1_RX", EL1_RX, AP_RO, EL0_RX},
		{"NS", EL0_RO | NS, EL0_RO, EL0_RO},
		{"descriptor bits", EL0_RW | ENTRY_PAGE, EL0_RW, EL0_RW},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskEL0(tt.prot)

			if got != tt.mask {
				t.Errorf("MaskEL0(%#x) = %#x, want %#x", tt.prot, got, tt.mask)
			}

			if got := EnforceEL0(got); got != tt.enforce {
				t.Errorf("EnforceEL0 = %#x, want %#x", got, tt.enforce)
			}

			if got := EnforceEL0(got); got&(PXN|AP_EL0) != PXN|AP_EL0 {
				t.Errorf("EnforceEL0 result %#x not EL0 only", got)
			}
		})
	}
}

func fillNonSecure(e *env) []byte {
	pattern := make([]byte, testNSPages*mem.PageSize)

	for i := range pattern {
		pattern[i] = byte(i*7 + i>>12)
	}

	e.ram.Write(mem.NonSecureStart, pattern)

	return pattern
}

func TestCopyFromNonSecure(t *testing.T) {
	e := newEnv(t)
	pattern := fillNonSecure(e)
	app := e.mmu.AllocPGD()
	va := mem.AppletReserved()
	n := uint64(2*mem.PageSize - 100)

	if err := e.mmu.CopyFromNonSecure(app, va, mem.NonSecureStart+100, n, true); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, n)

	if err := e.mmu.ReadVirt(app, va, got); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(pattern[100:100+n], got); diff != "" {
		t.Errorf("copy mismatch (-want +got):\n%s", diff)
	}

	for _, page := range []uint64{va, va + mem.PageSize} {
		if l := e.translate(app, page); l.Prot != EL0_RO {
			t.Errorf("destination %#x mapped with %#x", page, l.Prot)
		}
	}

	for i := uint64(0); i < 3; i++ {
		if l := e.translate(e.mmu.Root(), mem.StagingStart+i*mem.PageSize); l.PA != mem.Invalid {
			t.Errorf("staging page %d still mapped to %#x", i, l.PA)
		}
	}
}

func TestCopySplitEquivalence(t *testing.T) {
	e := newEnv(t)
	fillNonSecure(e)

	va := mem.AppletReserved()
	pa := uint64(mem.NonSecureStart + 3*mem.PageSize)

	whole := e.mmu.AllocPGD()
	split := e.mmu.AllocPGD()

	if err := e.mmu.CopyFromNonSecure(whole, va, pa, 2*mem.PageSize, true); err != nil {
		t.Fatal(err)
	}

	for i := uint64(0); i < 2; i++ {
		if err := e.mmu.CopyFromNonSecure(split, va+i*mem.PageSize, pa+i*mem.PageSize, mem.PageSize, true); err != nil {
			t.Fatal(err)
		}
	}

	a := make([]byte, 2*mem.PageSize)
	b := make([]byte, 2*mem.PageSize)

	if err := e.mmu.ReadVirt(whole, va, a); err != nil {
		t.Fatal(err)
	}

	if err := e.mmu.ReadVirt(split, va, b); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, b) {
		t.Error("two-page copy differs from two single-page copies")
	}
}

func TestCopyNoop(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()

	if err := e.mmu.CopyFromNonSecure(app, mem.AppletReserved(), mem.NonSecureStart, 0, true); err != nil {
		t.Fatal(err)
	}

	if err := e.mmu.CopyFromNonSecure(app, mem.AppletReserved(), mem.Invalid, 64, true); err != nil {
		t.Fatal(err)
	}

	if got := e.mmu.Mappings(app, mem.UpperStart); len(got) != 0 {
		t.Errorf("no-op copy mapped %d pages", len(got))
	}
}

func TestNewStack(t *testing.T) {
	e := newEnv(t)

	if sp := e.mmu.NewStack(); sp != mem.MaxLower-mem.PageSize {
		t.Errorf("first stack at %#x", sp)
	}

	if sp := e.mmu.NewStack(); sp != mem.MaxLower-5*mem.PageSize {
		t.Errorf("second stack at %#x", sp)
	}

	if l := e.translate(e.mmu.Root(), mem.MaxLower-2*mem.PageSize); l.Prot != EL1_RW {
		t.Errorf("stack mapped with %#x", l.Prot)
	}
}

func TestMapDMA(t *testing.T) {
	e := newEnv(t)

	if err := e.mmu.MapDMA(0x09000000, 0x09000000+0x100); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(leaf{0x09000000, EL1_RW}, e.translate(e.mmu.Root(), 0x09000000)); diff != "" {
		t.Errorf("DMA mapping mismatch (-want +got):\n%s", diff)
	}

	if err := e.mmu.MapDMA(0x09001000, 0x09001000); err == nil {
		t.Error("empty DMA range accepted")
	}
}

func TestDump(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()

	if err := e.mmu.AllocPage(app, mem.MaxUpper, EL0_RW); err != nil {
		t.Fatal(err)
	}

	maps := e.mmu.Mappings(app, mem.UpperStart)

	if len(maps) != 1 || maps[0].VA != mem.MaxUpper {
		t.Fatalf("Mappings = %+v", maps)
	}

	out := e.mmu.Dump(app, mem.UpperStart)

	if !strings.Contains(out, "0xfffffffffffff000") || !strings.Contains(out, ProtString(EL0_RW)) {
		t.Errorf("unexpected dump:\n%s", out)
	}
}

func TestCopyRejectsSecureSource(t *testing.T) {
	e := newEnv(t)
	app := e.mmu.AllocPGD()

	tests := []struct {
		name string
		pa   uint64
		n    uint64
	}{
		{"secure RAM", mem.SecureStart + 10*mem.PageSize, 16},
		{"straddling", mem.SecureStart - 8, 16},
		{"wrapping", mem.Invalid - 8, 16},
		{"unpopulated", 0x1000, 16},
		{"secure SRAM", mem.SecureSRAMStart, 16},
		{"past Non-secure end", mem.NonSecureStart + testNSPages*mem.PageSize, 16},
		{"straddling Non-secure end", mem.NonSecureStart + testNSPages*mem.PageSize - 8, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.mmu.CopyFromNonSecure(app, mem.AppletReserved(), tt.pa, tt.n, true); !errors.Is(err, ErrNotNonSecure) {
				t.Errorf("copy returned %v", err)
			}

			if got := e.mmu.Mappings(app, mem.UpperStart); len(got) != 0 {
				t.Errorf("rejected copy mapped %d pages", len(got))
			}
		})
	}

	if err := e.mmu.CopyFromNonSecure(app, mem.AppletReserved(), mem.NonSecureStart, mem.BufferSize+1, true); !errors.Is(err, ErrBufferSize) {
		t.Errorf("oversized copy returned %v", err)
	}
}

func TestCopyReleasesOnFailure(t *testing.T) {
	e := newEnv(t)
	pattern := fillNonSecure(e)
	app := e.mmu.AllocPGD()
	va := mem.AppletReserved()

	// first page and all tables in place
	if err := e.mmu.CopyFromNonSecure(app, va, mem.NonSecureStart, mem.PageSize, true); err != nil {
		t.Fatal(err)
	}

	var held []uint64

	for pa := e.pmm.Alloc(); pa != mem.Invalid; pa = e.pmm.Alloc() {
		held = append(held, pa)
	}

	// leave room for fewer pages than the copy needs
	for _, pa := range held[len(held)-3:] {
		e.pmm.Free(pa)
	}

	_, before, _ := e.pmm.Stats()

	if err := e.mmu.CopyFromNonSecure(app, va, mem.NonSecureStart, 8*mem.PageSize, true); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("copy returned %v", err)
	}

	if _, after, _ := e.pmm.Stats(); after != before {
		t.Errorf("failed copy left %d pages allocated", after-before)
	}

	maps := e.mmu.Mappings(app, mem.UpperStart)

	if len(maps) != 1 || maps[0].VA != va {
		t.Fatalf("mappings after failed copy %+v", maps)
	}

	got := make([]byte, mem.PageSize)

	if err := e.mmu.ReadVirt(app, va, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(pattern[:mem.PageSize], got) {
		t.Error("previously staged page modified")
	}
}
