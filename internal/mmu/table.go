// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmu

import (
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/mem"
)

func (m *MMU) read(pa uint64) uint64 {
	return m.win.Read64(pa + m.win.Offset)
}

func (m *MMU) write(pa uint64, val uint64) {
	m.win.Write64(pa+m.win.Offset, val)
	m.cpu.Barrier()
}

// table returns the next level table referenced by slot idx of tbl, when
// absent a zeroed table is allocated if create is set, otherwise zero is
// returned.
func (m *MMU) table(tbl uint64, idx uint64, create bool) uint64 {
	slot := tbl + idx*8

	if e := m.read(slot); e != 0 {
		return OutputAddress(e)
	}

	if !create {
		return 0
	}

	next := m.pmm.AllocZ()

	if next == mem.Invalid {
		return 0
	}

	m.write(slot, next|ENTRY_TABLE)

	return next
}

// leaf returns the physical address of the last level descriptor for va,
// or zero when intermediate tables are missing and create is not set.
func (m *MMU) leaf(root uint64, va uint64, create bool) uint64 {
	l1, l2, l3 := index(va)

	t2 := m.table(root, l1, create)

	if t2 == 0 {
		return 0
	}

	t3 := m.table(t2, l2, create)

	if t3 == 0 {
		return 0
	}

	return t3 + l3*8
}

// MapPage maps va to pa in root, a page previously mapped at va is returned
// to the page manager.
func (m *MMU) MapPage(root uint64, va uint64, pa uint64, prot uint64) (err error) {
	slot := m.leaf(root, va, true)

	if slot == 0 {
		return ErrNoMemory
	}

	if e := m.read(slot); e != 0 {
		m.pmm.Free(OutputAddress(e))
	}

	m.write(slot, OutputAddress(pa)|prot|ENTRY_PAGE)

	klog.V(2).Infof("SM map %#.16x -> %#.8x (%s)", va, pa, ProtString(prot))

	return
}

func (m *MMU) mapRegion(root uint64, va uint64, start uint64, end uint64, prot uint64) (err error) {
	for pa := start; pa < end; pa += mem.PageSize {
		if err = m.MapPage(root, va+(pa-start), pa, prot); err != nil {
			return
		}
	}

	return
}

// unmap clears the descriptor for va, returning whether a page was mapped.
// The backing page is given back to the page manager only if free is set.
func (m *MMU) unmap(root uint64, va uint64, free bool) bool {
	slot := m.leaf(root, va, false)

	if slot == 0 {
		return false
	}

	e := m.read(slot)

	if e == 0 {
		return false
	}

	if free {
		m.pmm.Free(OutputAddress(e))
	}

	m.write(slot, 0)

	return true
}

func (m *MMU) mapped(root uint64, va uint64) bool {
	slot := m.leaf(root, va, false)
	return slot != 0 && m.read(slot) != 0
}

// Translate walks root and returns the physical page backing va with its
// attributes, pa is mem.Invalid when va is not mapped.
func (m *MMU) Translate(root uint64, va uint64) (pa uint64, prot uint64) {
	slot := m.leaf(root, va, false)

	if slot == 0 {
		return mem.Invalid, 0
	}

	e := m.read(slot)

	if e == 0 {
		return mem.Invalid, 0
	}

	return OutputAddress(e), Attributes(e)
}
