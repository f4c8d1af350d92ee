// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pmm implements the Secure Monitor physical page manager.
//
// Secure RAM is tracked with one bit per page, least significant bit first,
// the bitmap itself lives in secure RAM right after the monitor image.
package pmm

import (
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/mem"
)

// PMM is the physical page manager, a page is either free (0) or in use (1).
type PMM struct {
	win mem.Window

	// bitmap address, as seen through win
	bitmap uint64
	// first tracked physical page
	start uint64
	// number of tracked pages
	pages uint64
}

// New returns a page manager accessing its bitmap through the identity view
// of bus.
func New(bus mem.Bus) *PMM {
	return &PMM{
		win: mem.Window{Bus: bus},
	}
}

// Init clears the bitmap and reserves the first RAM page, the monitor image
// and the bitmap pages.
func (p *PMM) Init(ramStart uint64, ramSize uint64, imageStart uint64, imageEnd uint64) (err error) {
	if ramStart%mem.PageSize != 0 || ramSize%mem.PageSize != 0 {
		return fmt.Errorf("RAM %#x-%#x is not page aligned", ramStart, ramStart+ramSize)
	}

	start := mem.AlignDown(imageStart, mem.PageSize)
	end := mem.AlignUp(imageEnd, mem.PageSize)
	pages := ramSize / mem.PageSize
	size := mem.AlignUp(pages/8, mem.PageSize)

	if start < ramStart || end+size > ramStart+ramSize {
		return fmt.Errorf("image %#x-%#x does not fit RAM %#x-%#x", imageStart, imageEnd, ramStart, ramStart+ramSize)
	}

	p.start = ramStart
	p.pages = pages
	p.bitmap = end

	p.win.Zero(p.bitmap, int(pages/8))

	p.addref(ramStart)
	p.Reserve(start, end)
	p.Reserve(end, end+size)

	klog.Infof("SM pmm tracking %d pages at %#x, bitmap at %#x", pages, ramStart, p.bitmap)

	return
}

// LateInit moves bitmap accesses, and page zeroing, to the linear region.
func (p *PMM) LateInit(linear uint64) {
	p.win.Offset = linear
	p.bitmap += linear
}

// Reserve marks every page overlapping [from, to) as in use.
func (p *PMM) Reserve(from uint64, to uint64) {
	for addr := mem.AlignDown(from, mem.PageSize); addr < mem.AlignUp(to, mem.PageSize); addr += mem.PageSize {
		p.addref(addr)
	}
}

// Alloc returns the physical address of a free page, marking it as in use,
// or mem.Invalid when no page is available.
func (p *PMM) Alloc() uint64 {
	for i := uint64(0); i < p.pages/8; i++ {
		val := p.win.Read8(p.bitmap + i)

		if val == 0xff {
			continue
		}

		for j := uint64(0); j < 8; j++ {
			if val&(1<<j) == 0 {
				p.win.Write8(p.bitmap+i, val|1<<j)
				return p.start + (i*8+j)*mem.PageSize
			}
		}
	}

	klog.Infof("SM pmm unable to find free page")

	return mem.Invalid
}

// AllocZ returns a zero-filled page, see Alloc.
func (p *PMM) AllocZ() uint64 {
	pa := p.Alloc()

	if pa != mem.Invalid {
		p.win.Zero(pa+p.win.Offset, mem.PageSize)
	}

	return pa
}

// Free returns a page to the free pool.
func (p *PMM) Free(pa uint64) {
	if !p.tracked(pa) {
		klog.Warningf("SM pmm ignoring free of untracked page %#x", pa)
		return
	}

	p.decref(pa)
}

// Used reports whether the page holding pa is in use.
func (p *PMM) Used(pa uint64) bool {
	if !p.tracked(pa) {
		return false
	}

	idx, bit := p.offsets(pa)

	return p.win.Read8(p.bitmap+idx)&(1<<bit) != 0
}

// Stats returns the number of tracked, used and free pages.
func (p *PMM) Stats() (total uint64, used uint64, free uint64) {
	total = p.pages / 8 * 8
	buf := make([]byte, p.pages/8)

	p.win.Read(p.bitmap, buf)

	for _, b := range buf {
		for ; b != 0; b &= b - 1 {
			used++
		}
	}

	return total, used, total - used
}

// Start returns the first tracked physical address.
func (p *PMM) Start() uint64 {
	return p.start
}

// Bitmap returns the bitmap address in the current view.
func (p *PMM) Bitmap() uint64 {
	return p.bitmap
}

func (p *PMM) tracked(pa uint64) bool {
	return pa >= p.start && (pa-p.start)/mem.PageSize < p.pages/8*8
}

func (p *PMM) offsets(pa uint64) (idx uint64, bit uint64) {
	page := (pa - p.start) / mem.PageSize
	return page / 8, page % 8
}

// addref and decref keep the naming of a reference counting scheme, each
// page has a single bit and no count is kept.

func (p *PMM) addref(pa uint64) {
	if !p.tracked(pa) {
		return
	}

	idx, bit := p.offsets(pa)
	addr := p.bitmap + idx

	p.win.Write8(addr, p.win.Read8(addr)|1<<bit)
}

func (p *PMM) decref(pa uint64) {
	idx, bit := p.offsets(pa)
	addr := p.bitmap + idx

	p.win.Write8(addr, p.win.Read8(addr)&^(1<<bit))
}
