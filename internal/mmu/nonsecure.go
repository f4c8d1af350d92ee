// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmu

import (
	"fmt"

	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/mem"
)

// CopyFromNonSecure copies n bytes from Non-secure physical address pa to
// va in the applet address space described by root.
//
// When mapIn is set, destination pages which are not mapped yet are
// allocated as EL0 read-only, they are released again if the copy fails.
// The Non-secure source is accessed through a temporary NS mapping in the
// monitor staging window.
func (m *MMU) CopyFromNonSecure(root uint64, va uint64, pa uint64, n uint64, mapIn bool) (err error) {
	if n == 0 || pa == mem.Invalid {
		return
	}

	if n > mem.BufferSize {
		return fmt.Errorf("%w, %#x bytes", ErrBufferSize, n)
	}

	if end := pa + n; end < pa || pa < m.ns.Start || end > m.ns.End {
		return fmt.Errorf("%w, %#x-%#x", ErrNotNonSecure, pa, end)
	}

	var added []uint64

	if mapIn {
		added, err = m.ensureMapped(root, va, n, EL0_RO)

		defer func() {
			if err != nil {
				m.release(root, added)
			}
		}()

		if err != nil {
			return
		}
	}

	src, pages, err := m.mapNonSecure(pa, n)

	if err != nil {
		return
	}

	defer m.unmapStaging(pages)

	for n > 0 {
		chunk := mem.AlignDown(va, mem.PageSize) + mem.PageSize - va

		if chunk > n {
			chunk = n
		}

		dst, _ := m.Translate(root, va)

		if dst == mem.Invalid {
			return fmt.Errorf("destination %#x not mapped", va)
		}

		buf := make([]byte, chunk)

		if err = m.ReadVirt(m.root, src, buf); err != nil {
			return
		}

		m.win.Write(m.Linear(dst+va%mem.PageSize), buf)

		va += chunk
		src += chunk
		n -= chunk
	}

	return
}

// ReadVirt copies len(buf) bytes from va, translated through root, using
// physical accesses.
func (m *MMU) ReadVirt(root uint64, va uint64, buf []byte) error {
	for off := 0; off < len(buf); {
		pa, _ := m.Translate(root, va)

		if pa == mem.Invalid {
			return fmt.Errorf("address %#x not mapped", va)
		}

		chunk := int(mem.PageSize - va%mem.PageSize)

		if chunk > len(buf)-off {
			chunk = len(buf) - off
		}

		m.win.Bus.Read(pa+va%mem.PageSize, buf[off:off+chunk])

		va += uint64(chunk)
		off += chunk
	}

	return nil
}

// ensureMapped allocates the unmapped pages covering [va, va+n) and
// returns them.
func (m *MMU) ensureMapped(root uint64, va uint64, n uint64, prot uint64) (added []uint64, err error) {
	start := mem.AlignDown(va, mem.PageSize)
	end := mem.AlignUp(va+n, mem.PageSize)

	for page := start; page < end; page += mem.PageSize {
		if m.mapped(root, page) {
			continue
		}

		if err = m.AllocPage(root, page, prot); err != nil {
			return
		}

		added = append(added, page)
	}

	return
}

func (m *MMU) release(root uint64, pages []uint64) {
	klog.V(2).Infof("SM releasing %d pages after failed copy", len(pages))

	for _, page := range pages {
		m.unmap(root, page, true)
	}
}

// mapNonSecure maps the Non-secure pages holding [pa, pa+n) at the staging
// window and returns the staging address of pa.
func (m *MMU) mapNonSecure(pa uint64, n uint64) (va uint64, pages int, err error) {
	start := mem.AlignDown(pa, mem.PageSize)
	end := mem.AlignUp(pa+n, mem.PageSize)
	pages = int((end - start) / mem.PageSize)

	m.unmapStaging(pages)

	if err = m.mapRegion(m.root, mem.StagingStart, start, end, EL1_RO|NS); err != nil {
		klog.Warningf("SM could not stage Non-secure memory %#x-%#x, %v", start, end, err)
		m.unmapStaging(pages)
		return
	}

	return mem.StagingStart + (pa - start), pages, nil
}

// unmapStaging clears the staging window, staged pages belong to the
// Non-secure world and are never freed.
func (m *MMU) unmapStaging(pages int) {
	for i := 0; i < pages; i++ {
		m.unmap(m.root, mem.StagingStart+uint64(i)*mem.PageSize, false)
	}
}
