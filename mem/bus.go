// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"encoding/binary"
)

// Bus represents physical memory as seen by the Secure Monitor.
//
// Accesses outside populated memory are bus errors and panic, the Secure
// Monitor never recovers from them.
type Bus interface {
	// Read copies len(buf) bytes from physical address addr.
	Read(addr uint64, buf []byte)
	// Write copies buf to physical address addr.
	Write(addr uint64, buf []byte)
}

// Window is a fixed-offset view of a Bus, virtual address va is backed by
// physical address va - Offset.
//
// A zero Offset describes the identity view used before virtual memory is
// enabled, the linear region is described by Offset equal to LinearStart.
type Window struct {
	Bus    Bus
	Offset uint64
}

func (w Window) phys(va uint64) uint64 {
	if va < w.Offset {
		panic("address below linear window")
	}

	return va - w.Offset
}

// Read copies len(buf) bytes from virtual address va.
func (w Window) Read(va uint64, buf []byte) {
	w.Bus.Read(w.phys(va), buf)
}

// Write copies buf to virtual address va.
func (w Window) Write(va uint64, buf []byte) {
	w.Bus.Write(w.phys(va), buf)
}

// Read8 reads a byte from va.
func (w Window) Read8(va uint64) uint8 {
	var b [1]byte
	w.Read(va, b[:])
	return b[0]
}

// Write8 writes a byte to va.
func (w Window) Write8(va uint64, val uint8) {
	w.Write(va, []byte{val})
}

// Read64 reads a little-endian 64-bit word from va.
func (w Window) Read64(va uint64) uint64 {
	return Read64(w.Bus, w.phys(va))
}

// Write64 writes a little-endian 64-bit word to va.
func (w Window) Write64(va uint64, val uint64) {
	Write64(w.Bus, w.phys(va), val)
}

// Zero clears size bytes starting at va.
func (w Window) Zero(va uint64, size int) {
	w.Write(va, make([]byte, size))
}

// Read64 reads a little-endian 64-bit word at physical address addr.
func Read64(b Bus, addr uint64) uint64 {
	var buf [8]byte
	b.Read(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Write64 writes a little-endian 64-bit word at physical address addr.
func Write64(b Bus, addr uint64, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	b.Write(addr, buf[:])
}
