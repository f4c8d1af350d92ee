// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"sort"
)

// Region is a populated range of physical memory.
type Region struct {
	Name  string
	Start uint64
	Size  uint64

	buf []byte
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Start + r.Size
}

func (r *Region) contains(addr uint64, n int) bool {
	return addr >= r.Start && addr+uint64(n) <= r.End() && addr+uint64(n) >= addr
}

// RAM is a Bus backed by host memory, it models the physical address map of
// an emulated board.
type RAM struct {
	regions []*Region
}

// NewRAM returns an empty physical address map.
func NewRAM() *RAM {
	return &RAM{}
}

// Add populates a new physical range, ranges must not overlap.
func (m *RAM) Add(name string, start uint64, size uint64) (r *Region, err error) {
	for _, o := range m.regions {
		if start < o.End() && o.Start < start+size {
			return nil, fmt.Errorf("region %s overlaps %s", name, o.Name)
		}
	}

	r = &Region{
		Name:  name,
		Start: start,
		Size:  size,
		buf:   make([]byte, size),
	}

	m.regions = append(m.regions, r)

	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].Start < m.regions[j].Start
	})

	return
}

// Regions returns the populated ranges in address order.
func (m *RAM) Regions() []*Region {
	return m.regions
}

func (m *RAM) lookup(addr uint64, n int) []byte {
	for _, r := range m.regions {
		if r.contains(addr, n) {
			off := addr - r.Start
			return r.buf[off : off+uint64(n)]
		}
	}

	panic(fmt.Sprintf("bus error at %#x (%d bytes)", addr, n))
}

// Read implements Bus.
func (m *RAM) Read(addr uint64, buf []byte) {
	copy(buf, m.lookup(addr, len(buf)))
}

// Write implements Bus.
func (m *RAM) Write(addr uint64, buf []byte) {
	copy(m.lookup(addr, len(buf)), buf)
}
