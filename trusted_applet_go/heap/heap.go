// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package heap implements a block allocator for applets.
//
// The heap state lives in applet memory, so that it survives across applet
// invocations: a metadata page holds one bit per BLOCK_SIZE block of the data
// region, the data region grows on demand with MMAP system calls. The first
// data block records the number of data pages mapped so far.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_applet_go/syscall"
)

const (
	BLOCK_SIZE = 16
	BLOCK_INC  = 4
	MAX_PAGES  = 128

	// MetaStart is the address of the block bitmap page.
	MetaStart = mem.MaxUpper - 2*mem.PageSize
	// DataStart is the address of the data region.
	DataStart = mem.MaxUpper - 256*mem.PageSize

	blocks = mem.PageSize * 8
)

var (
	ErrMap       = errors.New("heap mapping failed")
	ErrExhausted = errors.New("heap exhausted")
)

// Heap represents an applet heap.
type Heap struct {
	k syscall.Kernel
}

// New returns the heap of the applet running on k, Init must have been
// called once, by the applet initialization routine, before use.
func New(k syscall.Kernel) *Heap {
	return &Heap{k: k}
}

// Init maps the heap metadata and its initial data region.
func (h *Heap) Init() (err error) {
	if addr := syscall.Mmap(h.k, MetaStart, mem.PageSize, syscall.PROT_RW); addr != MetaStart {
		return fmt.Errorf("%w, metadata at %#x", ErrMap, addr)
	}

	if addr := syscall.Mmap(h.k, DataStart, BLOCK_INC*mem.PageSize, syscall.PROT_RW); addr != DataStart {
		return fmt.Errorf("%w, data at %#x", ErrMap, addr)
	}

	bm := bitmap.New(blocks)

	// the first block holds the number of data pages
	bm.Add(0)
	h.save(&bm)

	syscall.Store64(h.k, DataStart, BLOCK_INC)

	return
}

func (h *Heap) load() bitmap.Bitmap {
	buf := make([]byte, mem.PageSize)
	h.k.Read(MetaStart, buf)

	bm := bitmap.New(blocks)

	for i := 0; i < len(buf); i += 8 {
		w := binary.LittleEndian.Uint64(buf[i:])

		for bit := uint32(0); w != 0; bit, w = bit+1, w>>1 {
			if w&1 != 0 {
				bm.Add(uint32(i)*8 + bit)
			}
		}
	}

	return bm
}

func (h *Heap) save(bm *bitmap.Bitmap) {
	buf := make([]byte, mem.PageSize)

	for _, i := range bm.ToSlice() {
		buf[i/8] |= 1 << (i % 8)
	}

	h.k.Write(MetaStart, buf)
}

// find returns the first run of n free blocks.
func find(bm *bitmap.Bitmap, n uint32) (idx uint32, ok bool) {
	for start := uint32(0); start < blocks; {
		free, err := bm.FirstZero(start)

		if err != nil || free >= blocks {
			return
		}

		used, err := bm.FirstOne(free)

		if err != nil || used > blocks {
			used = blocks
		}

		if used-free >= n {
			return free, true
		}

		start = used
	}

	return
}

// Pages returns the number of data pages mapped.
func (h *Heap) Pages() uint64 {
	return syscall.Load64(h.k, DataStart)
}

func (h *Heap) ensure(pages uint64) (err error) {
	if pages > MAX_PAGES {
		return ErrExhausted
	}

	n := h.Pages()

	if n >= pages {
		return
	}

	next := DataStart + n*mem.PageSize

	if addr := syscall.Mmap(h.k, next, (pages-n)*mem.PageSize, syscall.PROT_RW); addr != next {
		return fmt.Errorf("%w, data at %#x", ErrMap, addr)
	}

	syscall.Store64(h.k, DataStart, pages)

	return
}

// Alloc returns the address of size bytes of heap memory.
func (h *Heap) Alloc(size uint64) (addr uint64, err error) {
	if size == 0 || size > MAX_PAGES*mem.PageSize {
		return mem.Invalid, fmt.Errorf("invalid allocation size %d", size)
	}

	bm := h.load()
	n := mem.AlignUp(size, BLOCK_SIZE) / BLOCK_SIZE

	idx, ok := find(&bm, uint32(n))

	if !ok {
		return mem.Invalid, ErrExhausted
	}

	off := uint64(idx) * BLOCK_SIZE

	if err = h.ensure(mem.Pages(off + n*BLOCK_SIZE)); err != nil {
		return mem.Invalid, err
	}

	for i := uint32(0); i < uint32(n); i++ {
		bm.Add(idx + i)
	}

	h.save(&bm)

	return DataStart + off, nil
}

// Free releases memory obtained with Alloc.
func (h *Heap) Free(addr uint64, size uint64) {
	if addr < DataStart+BLOCK_SIZE || addr%BLOCK_SIZE != 0 {
		return
	}

	bm := h.load()
	idx := uint32((addr - DataStart) / BLOCK_SIZE)
	n := uint32(mem.AlignUp(size, BLOCK_SIZE) / BLOCK_SIZE)

	for i := idx; i < idx+n && i < blocks; i++ {
		bm.Remove(i)
	}

	h.save(&bm)
}

// Used returns the number of allocated blocks, including the heap own
// block.
func (h *Heap) Used() int {
	bm := h.load()
	return int(bm.GetNumOnes())
}
