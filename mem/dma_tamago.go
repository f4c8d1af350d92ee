// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package mem

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"
)

// DMA is a Bus backed by real physical memory, each populated range is
// reserved as a TamaGo DMA region so that the Go runtime never allocates
// from it.
type DMA struct {
	regions []*dmaRegion
}

type dmaRegion struct {
	start uint64
	buf   []byte
}

// NewDMA reserves the Secure Monitor RAM and the Non-secure RAM as physical
// bus ranges.
func NewDMA() (b *DMA, err error) {
	b = &DMA{}

	if err = b.Add(SecureStart, SecureSize); err != nil {
		return
	}

	err = b.Add(NonSecureStart, NonSecureSize)

	return
}

// Add reserves a physical range.
func (b *DMA) Add(start uint64, size int) (err error) {
	r, err := dma.NewRegion(uint(start), size, true)

	if err != nil {
		return fmt.Errorf("could not reserve %#x, %v", start, err)
	}

	addr, buf := r.Reserve(size, 0)

	b.regions = append(b.regions, &dmaRegion{
		start: uint64(addr),
		buf:   buf,
	})

	return
}

func (b *DMA) lookup(addr uint64, n int) []byte {
	for _, r := range b.regions {
		if addr >= r.start && addr+uint64(n) <= r.start+uint64(len(r.buf)) {
			off := addr - r.start
			return r.buf[off : off+uint64(n)]
		}
	}

	panic(fmt.Sprintf("bus error at %#x (%d bytes)", addr, n))
}

// Read implements Bus.
func (b *DMA) Read(addr uint64, buf []byte) {
	copy(buf, b.lookup(addr, len(buf)))
}

// Write implements Bus.
func (b *DMA) Write(addr uint64, buf []byte) {
	copy(b.lookup(addr, len(buf)), buf)
}
