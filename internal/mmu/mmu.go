// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmu implements the Secure Monitor virtual memory manager.
//
// The monitor runs in the lower half of the address space (TTBR0), where its
// image is identity mapped and all secure RAM is reachable through the
// linear region. Applets run in the upper half (TTBR1), each with its own
// translation table root.
package mmu

import (
	"errors"
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/arch"
	"github.com/rstenvi/arm64-tee/internal/pmm"
	"github.com/rstenvi/arm64-tee/mem"
)

var (
	// ErrMapped is returned when a requested range is already (partly)
	// mapped.
	ErrMapped = errors.New("region already mapped")
	// ErrNoMemory is returned when physical pages are exhausted.
	ErrNoMemory = errors.New("out of physical pages")
	// ErrNotNonSecure is returned when a copy source is not Normal World
	// RAM.
	ErrNotNonSecure = errors.New("source is not Non-secure RAM")
	// ErrBufferSize is returned when a copy exceeds mem.BufferSize.
	ErrBufferSize = errors.New("buffer too large")
)

// Range is a half-open [Start, End) address range.
type Range struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr falls within the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ImageMap describes the monitor image sections.
type ImageMap struct {
	Text   Range
	Rodata Range
	Data   Range
}

// Bounds returns the range spanning all image sections.
func (im ImageMap) Bounds() Range {
	r := im.Text

	for _, s := range []Range{im.Rodata, im.Data} {
		if s.Start < r.Start {
			r.Start = s.Start
		}

		if s.End > r.End {
			r.End = s.End
		}
	}

	return r
}

// Prot returns the protection of an image page, def is returned for
// addresses outside of any section.
func (im ImageMap) Prot(addr uint64, def uint64) uint64 {
	switch {
	case im.Text.Contains(addr):
		// applets execute from the monitor image
		return AP_RO | AP_EL0
	case im.Rodata.Contains(addr):
		return AP_RO | UXN | PXN | AP_EL0
	case im.Data.Contains(addr):
		return AP_RW | UXN | PXN
	default:
		return def
	}
}

// MMU manages translation tables, every table and mapped page is obtained
// from the physical page manager.
type MMU struct {
	cpu arch.CPU
	pmm *pmm.PMM
	win mem.Window

	root   uint64
	linear uint64
	ram    Range
	ns     Range
}

// New returns a virtual memory manager accessing translation tables on bus.
func New(cpu arch.CPU, p *pmm.PMM, bus mem.Bus) *MMU {
	return &MMU{
		cpu: cpu,
		pmm: p,
		win: mem.Window{Bus: bus},
	}
}

// Init identity maps the monitor image and creates the linear region of
// secure RAM in root, then enables address translation. The linear region
// offset is returned.
func (m *MMU) Init(root uint64, image ImageMap, ramStart uint64, ramSize uint64) (linear uint64) {
	ramEnd := ramStart + ramSize

	if ramStart%mem.PageSize != 0 || ramEnd%mem.PageSize != 0 {
		klog.Errorf("SM secure RAM %#x-%#x is not page aligned", ramStart, ramEnd)
		m.cpu.Halt("unaligned secure RAM")
		return mem.Invalid
	}

	m.root = root
	m.ram = Range{ramStart, ramEnd}

	b := image.Bounds()

	for addr := mem.AlignDown(b.Start, mem.PageSize); addr < mem.AlignUp(b.End, mem.PageSize); addr += mem.PageSize {
		if err := m.MapPage(root, addr, addr, image.Prot(addr, EL1_RO)); err != nil {
			klog.Errorf("SM could not map image, %v", err)
			m.cpu.Halt("image map")
			return mem.Invalid
		}
	}

	for pa := ramStart; pa < ramEnd; pa += mem.PageSize {
		if err := m.MapPage(root, mem.LinearStart+pa, pa, image.Prot(pa, EL1_RW)); err != nil {
			klog.Errorf("SM could not map linear region, %v", err)
			m.cpu.Halt("linear map")
			return mem.Invalid
		}
	}

	m.linear = mem.LinearStart
	m.win.Offset = m.linear

	m.cpu.EnableMMU(root)

	klog.Infof("SM virtual memory enabled, root:%#x linear:%#x", root, m.linear)

	return m.linear
}

// Root returns the monitor translation table root.
func (m *MMU) Root() uint64 {
	return m.root
}

// Linear returns the linear alias of physical address pa.
func (m *MMU) Linear(pa uint64) uint64 {
	return pa + m.linear
}

// SetNonSecure sets the Normal World RAM from which buffers can be copied.
func (m *MMU) SetNonSecure(start uint64, size uint64) {
	m.ns = Range{start, start + size}
}

// MapDMA identity maps the device range [start, end) in the monitor
// address space.
func (m *MMU) MapDMA(start uint64, end uint64) (err error) {
	start = mem.AlignDown(start, mem.PageSize)
	end = mem.AlignUp(end, mem.PageSize)

	if end <= start {
		return fmt.Errorf("invalid DMA range %#x-%#x", start, end)
	}

	return m.mapRegion(m.root, start, start, end, EL1_RW)
}

// AllocPGD returns a new, empty, translation table root.
func (m *MMU) AllocPGD() uint64 {
	return m.pmm.AllocZ()
}

// AllocPage maps a zeroed page at va in root.
func (m *MMU) AllocPage(root uint64, va uint64, prot uint64) (err error) {
	pa := m.pmm.AllocZ()

	if pa == mem.Invalid {
		return ErrNoMemory
	}

	if err = m.MapPage(root, va, pa, prot); err != nil {
		m.pmm.Free(pa)
	}

	return
}

// AllocPages maps n zeroed pages starting at va in root, the whole range
// must be unmapped. On failure root is left unchanged.
func (m *MMU) AllocPages(root uint64, va uint64, n int, prot uint64) (err error) {
	if m.PagesAvailable(root, va, n) != n {
		klog.Errorf("SM BUG: tried to allocate %d pages at %#x, region already allocated", n, va)
		return ErrMapped
	}

	for i := 0; i < n; i++ {
		if err = m.AllocPage(root, va+uint64(i)*mem.PageSize, prot); err != nil {
			m.UnmapPages(root, va, i)
			return
		}
	}

	return
}

// UnmapPages removes n pages starting at va from root, returning their
// backing pages to the page manager.
func (m *MMU) UnmapPages(root uint64, va uint64, n int) {
	for i := 0; i < n; i++ {
		m.unmap(root, va+uint64(i)*mem.PageSize, true)
	}
}

// PagesAvailable returns how many of the n pages starting at va are
// unmapped before the first mapped one.
func (m *MMU) PagesAvailable(root uint64, va uint64, n int) int {
	for i := 0; i < n; i++ {
		if m.mapped(root, va+uint64(i)*mem.PageSize) {
			return i
		}
	}

	return n
}

// AllocKernelPage maps a zeroed page at va in the monitor address space.
func (m *MMU) AllocKernelPage(va uint64, prot uint64) error {
	return m.AllocPage(m.root, va, prot)
}

// KernelPageAvailable reports whether va is unmapped in the monitor address
// space.
func (m *MMU) KernelPageAvailable(va uint64) bool {
	return m.PagesAvailable(m.root, va, 1) == 1
}

// NewStack allocates an EL1 stack page near the top of the lower half and
// returns its top. Each core gets its own page, spaced by guard pages.
func (m *MMU) NewStack() (sp uint64) {
	page := mem.MaxLower - 2*mem.PageSize

	for !m.KernelPageAvailable(page) {
		page -= 4 * mem.PageSize
	}

	if err := m.AllocKernelPage(page, EL1_RW); err != nil {
		klog.Errorf("SM could not allocate stack at %#x, %v", page, err)
		m.cpu.Halt("stack allocation")
		return mem.Invalid
	}

	return page + mem.PageSize
}

// SwitchTTBR1 installs an applet root.
func (m *MMU) SwitchTTBR1(root uint64) {
	m.cpu.SwitchTTBR1(root)
}
