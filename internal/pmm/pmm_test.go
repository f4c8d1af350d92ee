// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rstenvi/arm64-tee/mem"
)

const (
	testPages = 64
	testSize  = testPages * mem.PageSize
)

// newTestPMM tracks 64 pages, with an image spanning pages 0-3 and the
// bitmap in page 4.
func newTestPMM(t *testing.T) (*PMM, *mem.RAM) {
	t.Helper()

	ram := mem.NewRAM()

	if _, err := ram.Add("secure", mem.SecureStart, testSize); err != nil {
		t.Fatal(err)
	}

	p := New(ram)

	if err := p.Init(mem.SecureStart, testSize, mem.SecureStart, mem.SecureStart+3*mem.PageSize+100); err != nil {
		t.Fatal(err)
	}

	return p, ram
}

type stats struct {
	Total, Used, Free uint64
}

func getStats(p *PMM) stats {
	total, used, free := p.Stats()
	return stats{total, used, free}
}

func TestInit(t *testing.T) {
	p, _ := newTestPMM(t)

	if diff := cmp.Diff(stats{64, 5, 59}, getStats(p)); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	if got, want := p.Bitmap(), uint64(mem.SecureStart+4*mem.PageSize); got != want {
		t.Errorf("bitmap at %#x, want %#x", got, want)
	}

	for i := uint64(0); i < 6; i++ {
		pa := mem.SecureStart + i*mem.PageSize

		if got, want := p.Used(pa), i < 5; got != want {
			t.Errorf("Used(%#x) = %v, want %v", pa, got, want)
		}
	}
}

func TestInitErrors(t *testing.T) {
	ram := mem.NewRAM()

	if _, err := ram.Add("secure", mem.SecureStart, testSize); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		start      uint64
		size       uint64
		imageStart uint64
		imageEnd   uint64
	}{
		{"unaligned start", mem.SecureStart + 1, testSize, mem.SecureStart + 1, mem.SecureStart + 2},
		{"unaligned size", mem.SecureStart, testSize - 1, mem.SecureStart, mem.SecureStart + 1},
		{"image below RAM", mem.SecureStart, testSize, mem.SecureStart - mem.PageSize, mem.SecureStart},
		{"image past RAM", mem.SecureStart, testSize, mem.SecureStart, mem.SecureStart + testSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := New(ram).Init(tt.start, tt.size, tt.imageStart, tt.imageEnd); err == nil {
				t.Error("Init succeeded")
			}
		})
	}
}

func TestAllocUnique(t *testing.T) {
	p, _ := newTestPMM(t)
	seen := make(map[uint64]bool)

	for i := 0; i < 59; i++ {
		pa := p.Alloc()

		switch {
		case pa == mem.Invalid:
			t.Fatalf("allocation %d failed", i)
		case pa%mem.PageSize != 0:
			t.Fatalf("unaligned page %#x", pa)
		case pa < mem.SecureStart+5*mem.PageSize || pa >= mem.SecureStart+testSize:
			t.Fatalf("page %#x outside free range", pa)
		case seen[pa]:
			t.Fatalf("page %#x returned twice", pa)
		}

		seen[pa] = true
	}

	if pa := p.Alloc(); pa != mem.Invalid {
		t.Errorf("exhausted allocator returned %#x", pa)
	}

	if diff := cmp.Diff(stats{64, 64, 0}, getStats(p)); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestFreeReuse(t *testing.T) {
	p, _ := newTestPMM(t)

	a := p.Alloc()
	b := p.Alloc()

	p.Free(a)

	if got := p.Alloc(); got != a {
		t.Errorf("Alloc after Free = %#x, want %#x", got, a)
	}

	if got := p.Alloc(); got == a || got == b {
		t.Errorf("Alloc returned a page in use (%#x)", got)
	}

	// out of range frees are ignored
	p.Free(mem.SecureStart + testSize)
	p.Free(mem.NonSecureStart)

	if diff := cmp.Diff(stats{64, 8, 56}, getStats(p)); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocZ(t *testing.T) {
	p, ram := newTestPMM(t)
	next := uint64(mem.SecureStart + 5*mem.PageSize)

	for i := uint64(0); i < mem.PageSize; i += 8 {
		mem.Write64(ram, next+i, 0xdeadbeef)
	}

	if pa := p.AllocZ(); pa != next {
		t.Fatalf("AllocZ = %#x, want %#x", pa, next)
	}

	buf := make([]byte, mem.PageSize)
	ram.Read(next, buf)

	if diff := cmp.Diff(make([]byte, mem.PageSize), buf); diff != "" {
		t.Errorf("page not zeroed (-want +got):\n%s", diff)
	}
}

func TestLateInit(t *testing.T) {
	p, ram := newTestPMM(t)
	bitmap := p.Bitmap()

	p.LateInit(mem.LinearStart)

	if got := p.Bitmap(); got != bitmap+mem.LinearStart {
		t.Fatalf("bitmap at %#x after LateInit", got)
	}

	mem.Write64(ram, mem.SecureStart+5*mem.PageSize, 1)

	if pa := p.AllocZ(); pa != mem.SecureStart+5*mem.PageSize {
		t.Fatalf("AllocZ = %#x", pa)
	}

	if got := mem.Read64(ram, mem.SecureStart+5*mem.PageSize); got != 0 {
		t.Errorf("linear zero fill missed the page")
	}

	if got := ram.Regions()[0]; got.Start != mem.SecureStart {
		t.Fatalf("unexpected region %s", got.Name)
	}

	var b [1]byte
	ram.Read(bitmap, b[:])

	// pages 0-5 in use
	if b[0] != 0x3f {
		t.Errorf("bitmap byte %#x, want 0x3f", b[0])
	}
}
