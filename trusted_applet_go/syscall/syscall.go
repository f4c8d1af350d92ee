// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package syscall provides the applet side of the Secure Monitor system
// call interface.
package syscall

import (
	"encoding/binary"
	"fmt"

	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/svc"
)

const (
	SYS_EXIT      = svc.SYS_EXIT
	SYS_MMAP      = svc.SYS_MMAP
	SYS_MUNMAP    = svc.SYS_MUNMAP
	SYS_STORE_PTR = svc.SYS_STORE_PTR
	SYS_LOAD_PTR  = svc.SYS_LOAD_PTR
	SYS_WRITE     = svc.SYS_WRITE
)

// Memory protections accepted by Mmap.
const (
	PROT_RW = mmu.EL0_RW
	PROT_RO = mmu.EL0_RO
	PROT_RX = mmu.EL0_RX
)

// Kernel represents the S-EL0 execution environment of an applet.
type Kernel interface {
	// SVC issues a supervisor call with number num and arguments in
	// x0-x7, returning x0.
	SVC(num uint64, args ...uint64) uint64
	// Read performs unprivileged loads from va.
	Read(va uint64, buf []byte)
	// Write performs unprivileged stores to va.
	Write(va uint64, buf []byte)
}

// Entry is an applet entry point, x holds registers x0-x4 on entry.
//
// An entry point never returns, it must terminate with Exit.
type Entry func(k Kernel, x [5]uint64)

// Exit terminates the applet, fn is zero at the end of an initialization
// routine and the service function identifier otherwise.
func Exit(k Kernel, fn uint64, ret uint64) {
	k.SVC(SYS_EXIT, fn, ret)
}

// Mmap maps zeroed memory at addr, it returns the page aligned address or
// ^0 on failure.
func Mmap(k Kernel, addr uint64, size uint64, prot uint64) uint64 {
	return k.SVC(SYS_MMAP, addr, size, prot)
}

// Munmap releases memory obtained with Mmap.
func Munmap(k Kernel, addr uint64, size uint64) uint64 {
	return k.SVC(SYS_MUNMAP, addr, size)
}

// StorePtr registers a value which the monitor passes to every service
// invocation.
func StorePtr(k Kernel, p uint64) uint64 {
	return k.SVC(SYS_STORE_PTR, p)
}

// LoadPtr returns the value registered with StorePtr.
func LoadPtr(k Kernel) uint64 {
	return k.SVC(SYS_LOAD_PTR)
}

// Print writes s on the secure console.
func Print(k Kernel, s string) {
	for i := 0; i < len(s); i++ {
		k.SVC(SYS_WRITE, uint64(s[i]))
	}
}

// Printf formats according to a format specifier and writes on the secure
// console.
func Printf(k Kernel, format string, a ...interface{}) {
	Print(k, fmt.Sprintf(format, a...))
}

// Load64 reads a 64-bit value from va.
func Load64(k Kernel, va uint64) uint64 {
	var buf [8]byte
	k.Read(va, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Store64 writes a 64-bit value to va.
func Store64(k Kernel, va uint64, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	k.Write(va, buf[:])
}
